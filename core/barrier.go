// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"errors"
	"fmt"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"
)

// Barrier seals provider inputs and rotated credentials before they
// touch storage. It wraps a go-kms-wrapping wrapper so the actual key
// can live in any supported KMS.
type Barrier struct {
	wrapper wrapping.Wrapper
}

// NewBarrier builds a barrier over the given wrapper.
func NewBarrier(wrapper wrapping.Wrapper) (*Barrier, error) {
	if wrapper == nil {
		return nil, errors.New("barrier requires a wrapper")
	}
	return &Barrier{wrapper: wrapper}, nil
}

// Encrypt seals plaintext into a self describing blob.
func (b *Barrier) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	blob, err := b.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("barrier encrypt: %w", err)
	}

	sealed, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("barrier marshal: %w", err)
	}
	return sealed, nil
}

// Decrypt opens a blob produced by Encrypt.
func (b *Barrier) Decrypt(ctx context.Context, sealed []byte) ([]byte, error) {
	blob := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(sealed, blob); err != nil {
		return nil, fmt.Errorf("barrier unmarshal: %w", err)
	}

	plaintext, err := b.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("barrier decrypt: %w", err)
	}
	return plaintext, nil
}
