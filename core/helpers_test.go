// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/openbao/openbao/helper/namespace"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/custodian/lock"
	"github.com/stephnangue/custodian/logger"
	"github.com/stephnangue/custodian/provider"
	"github.com/stephnangue/custodian/secretstore"
)

// createTestNamespaceContext creates a context carrying a test namespace
func createTestNamespaceContext(nsID string) context.Context {
	ns := &namespace.Namespace{
		ID:   nsID,
		Path: nsID + "/",
	}
	return namespace.ContextWithNamespace(context.Background(), ns)
}

func createTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	return logger.NewZerologLogger(logger.DefaultConfig())
}

func createTestBarrier(t *testing.T) *Barrier {
	t.Helper()
	b, err := NewBarrier(wrapping.NewTestWrapper(nil))
	require.NoError(t, err)
	return b
}

// fakeProvider is an in-memory Provider with injectable failures
type fakeProvider struct {
	mu          sync.Mutex
	createCalls int
	renewCalls  int
	revokeCalls int
	revoked     []string

	validateErr error
	createErr   error
	renewErr    error
	revokeErr   error
}

func (p *fakeProvider) ValidateInputs(raw map[string]any) (map[string]any, error) {
	return raw, nil
}

func (p *fakeProvider) ValidateConnection(ctx context.Context, inputs map[string]any) error {
	return p.validateErr
}

func (p *fakeProvider) Create(ctx context.Context, inputs map[string]any, expireAt time.Time) (string, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", nil, p.createErr
	}
	p.createCalls++
	id := fmt.Sprintf("ext-%d", p.createCalls)
	return id, map[string]any{"username": "u-" + id, "password": "p-" + id}, nil
}

func (p *fakeProvider) Renew(ctx context.Context, inputs map[string]any, externalID string, expireAt time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.renewErr != nil {
		return "", p.renewErr
	}
	p.renewCalls++
	return externalID, nil
}

func (p *fakeProvider) Revoke(ctx context.Context, inputs map[string]any, externalID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revokeErr != nil {
		return "", p.revokeErr
	}
	p.revokeCalls++
	p.revoked = append(p.revoked, externalID)
	return externalID, nil
}

func (p *fakeProvider) getRevokeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revokeCalls
}

// fakeFactory is an in-memory RotationFactory with injectable failures.
// Every generation gets a fresh numbered account so tests can tell the
// generations apart.
type fakeFactory struct {
	mu          sync.Mutex
	issueCalls  int
	rotateCalls int
	revokeCalls int

	lastStandby *provider.RotatedCredentials
	lastActive  *provider.RotatedCredentials

	issueErr  error
	rotateErr error
	revokeErr error
}

func (f *fakeFactory) newGeneration() *provider.RotatedCredentials {
	n := f.issueCalls + f.rotateCalls
	return &provider.RotatedCredentials{
		ExternalID: fmt.Sprintf("acct-%d", n),
		Secrets: map[string]any{
			"username": fmt.Sprintf("user-%d", n),
			"password": fmt.Sprintf("secret-%d", n),
		},
	}
}

func (f *fakeFactory) IssueCredentials(ctx context.Context, conn, params map[string]any) (*provider.RotatedCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issueCalls++
	return f.newGeneration(), nil
}

func (f *fakeFactory) RotateCredentials(ctx context.Context, conn, params map[string]any, standby, active *provider.RotatedCredentials) (*provider.RotatedCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotateErr != nil {
		return nil, f.rotateErr
	}
	f.lastStandby = standby
	f.lastActive = active
	f.rotateCalls++
	return f.newGeneration(), nil
}

func (f *fakeFactory) RevokeCredentials(ctx context.Context, conn, params map[string]any, all []*provider.RotatedCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revokeCalls += len(all)
	return nil
}

func (f *fakeFactory) CredentialsToSecretPayload(cred *provider.RotatedCredentials) []provider.SecretKV {
	return []provider.SecretKV{
		{Key: "username", Value: cred.Secrets["username"].(string)},
		{Key: "password", Value: cred.Secrets["password"].(string)},
	}
}

func (f *fakeFactory) getRotateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotateCalls
}

// revertibleFactory additionally supports rollback of a fresh generation
type revertibleFactory struct {
	fakeFactory
	revertCalls int
	reverted    []*provider.RotatedCredentials
}

func (f *revertibleFactory) RevertCredentials(ctx context.Context, conn, params map[string]any, cred *provider.RotatedCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertCalls++
	f.reverted = append(f.reverted, cred)
	return nil
}

// flakyStorage wraps a Storage and fails Put for keys under a prefix while
// tripped, for exercising persistence failure paths
type flakyStorage struct {
	sdklogical.Storage

	mu         sync.Mutex
	failPrefix string
	tripped    bool
}

func (s *flakyStorage) trip(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPrefix = prefix
	s.tripped = true
}

func (s *flakyStorage) Put(ctx context.Context, entry *sdklogical.StorageEntry) error {
	s.mu.Lock()
	tripped := s.tripped && strings.HasPrefix(entry.Key, s.failPrefix)
	s.mu.Unlock()
	if tripped {
		return fmt.Errorf("storage backend unavailable")
	}
	return s.Storage.Put(ctx, entry)
}

// leaseTestEnv bundles a fully wired lease engine over in-memory storage
type leaseTestEnv struct {
	storage    *flakyStorage
	expiration *ExpirationManager
	manager    *LeaseManager
	provider   *fakeProvider
}

func createTestLeaseManager(t *testing.T) *leaseTestEnv {
	t.Helper()

	log := createTestLogger(t)
	storage := &flakyStorage{Storage: &sdklogical.InmemStorage{}}

	registry := provider.NewRegistry()
	fake := &fakeProvider{}
	require.NoError(t, registry.Register("fake", fake))

	expiration := NewExpirationManager(log, storage, 4)
	manager, err := NewLeaseManager(log, storage, createTestBarrier(t), registry, expiration, LeaseManagerConfig{
		MaxLeasesPerConfig: 3,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Stop()
		expiration.Stop()
	})

	return &leaseTestEnv{
		storage:    storage,
		expiration: expiration,
		manager:    manager,
		provider:   fake,
	}
}

// rotationTestEnv bundles a fully wired rotation engine over in-memory
// storage, with a controllable clock
type rotationTestEnv struct {
	storage   *flakyStorage
	scheduler *RotationScheduler
	manager   *RotationManager
	factory   *revertibleFactory
	secrets   *secretstore.InmemStore
	locks     *lock.InmemBackend

	mu  sync.Mutex
	now time.Time
}

func (e *rotationTestEnv) setNow(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *rotationTestEnv) getNow() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// createTestRotationManager wires a manager without a scheduler, driven by a
// fixed clock so schedule math is deterministic. No timers run.
func createTestRotationManager(t *testing.T, resolution IntervalResolution) *rotationTestEnv {
	t.Helper()

	log := createTestLogger(t)
	storage := &flakyStorage{Storage: &sdklogical.InmemStorage{}}

	factories := provider.NewFactoryRegistry()
	factory := &revertibleFactory{}
	require.NoError(t, factories.Register("fake", factory))

	secrets := secretstore.NewInmemStore()
	locks := lock.NewInmemBackend()

	env := &rotationTestEnv{
		storage: storage,
		factory: factory,
		secrets: secrets,
		locks:   locks,
		now:     time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC),
	}

	manager := NewRotationManager(log, storage, createTestBarrier(t), factories, secrets, locks, RotationManagerConfig{
		Resolution: resolution,
	})
	manager.now = env.getNow

	env.manager = manager
	return env
}

// createTestRotationScheduler wires the full manager plus scheduler pair on
// the real clock, for exercising timer driven rotations.
func createTestRotationScheduler(t *testing.T, maxAttempts int) *rotationTestEnv {
	t.Helper()

	log := createTestLogger(t)
	storage := &flakyStorage{Storage: &sdklogical.InmemStorage{}}

	factories := provider.NewFactoryRegistry()
	factory := &revertibleFactory{}
	require.NoError(t, factories.Register("fake", factory))

	secrets := secretstore.NewInmemStore()
	locks := lock.NewInmemBackend()

	scheduler := NewRotationScheduler(log, storage, 2, maxAttempts)
	manager := NewRotationManager(log, storage, createTestBarrier(t), factories, secrets, locks, RotationManagerConfig{
		Resolution: IntervalDays,
	})
	manager.SetScheduler(scheduler)
	scheduler.SetRotationManager(manager)

	t.Cleanup(scheduler.Stop)

	return &rotationTestEnv{
		storage:   storage,
		scheduler: scheduler,
		manager:   manager,
		factory:   factory,
		secrets:   secrets,
		locks:     locks,
	}
}

func testRotationParams() CreateRotationParams {
	return CreateRotationParams{
		Name:        "db-admin",
		FactoryType: "fake",
		Connection:  map[string]any{"host": "db.internal", "admin_password": "hunter2"},
		Parameters:  map[string]any{"username_template": "svc-{{random}}"},
		SecretsMapping: []SecretMapping{
			{SecretKey: "DB_USERNAME", Field: "username"},
			{SecretKey: "DB_PASSWORD", Field: "password"},
		},
		FolderID:              "folder-1",
		IsAutoRotationEnabled: true,
		Interval:              7,
		RotateAt:              RotateAtUTC{Hours: 2, Minutes: 30},
	}
}

// secretValue reads one key out of the in-memory secret store
func secretValue(t *testing.T, store *secretstore.InmemStore, folderID, key string) string {
	t.Helper()
	secrets, err := store.List(context.Background(), folderID)
	require.NoError(t, err)
	for _, s := range secrets {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
