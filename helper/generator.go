package helper

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/oklog/ulid"
)

// GenerateLeaseID produces a lexically sortable unique identifier for a
// lease. ULIDs embed a millisecond timestamp so storage listings come
// back roughly in issuance order.
func GenerateLeaseID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GenerateJobID produces a unique identifier for a background job.
func GenerateJobID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GenerateUsernameSuffix returns a random base62 string suitable for
// appending to generated account names. Base62 keeps the result safe
// for systems that reject symbols in usernames.
func GenerateUsernameSuffix(length int) string {
	s, err := base62.Random(length)
	if err != nil {
		// base62.Random only fails if the system entropy source is
		// broken, which is not recoverable here.
		panic(err)
	}
	return s
}

// Get8BytesHash returns the first 8 bytes of the SHA-256 of value,
// hex encoded. Used to reference secret material in logs without
// exposing it.
func Get8BytesHash(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:8])
}
