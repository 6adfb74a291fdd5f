// Package credentials stores integration credentials and resolves them into
// usable, refreshed connections for a single turn or routine run.
package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/haasonsaas/concierge/pkg/models"
)

// ErrNotFound is returned when a caller has no credential for a provider.
var ErrNotFound = errors.New("credential not found")

// Store persists credentials. Implementations hold plaintext in memory only;
// the SQL store encrypts tokens at rest.
type Store interface {
	List(ctx context.Context, callerID string) ([]*models.Credential, error)
	Get(ctx context.Context, callerID string, provider models.Provider) (*models.Credential, error)
	Put(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, callerID string, provider models.Provider) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]map[models.Provider]*models.Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]map[models.Provider]*models.Credential)}
}

func clone(c *models.Credential) *models.Credential {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// List returns the caller's credentials sorted by provider.
func (s *MemoryStore) List(_ context.Context, callerID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Credential, 0, len(s.creds[callerID]))
	for _, c := range s.creds[callerID] {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// Get returns one credential.
func (s *MemoryStore) Get(_ context.Context, callerID string, provider models.Provider) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[callerID][provider]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Put inserts or replaces a credential.
func (s *MemoryStore) Put(_ context.Context, cred *models.Credential) error {
	if cred == nil || cred.CallerID == "" || cred.Provider == "" {
		return errors.New("credential requires caller_id and provider")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds[cred.CallerID] == nil {
		s.creds[cred.CallerID] = make(map[models.Provider]*models.Credential)
	}
	s.creds[cred.CallerID][cred.Provider] = clone(cred)
	return nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(_ context.Context, callerID string, provider models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[callerID][provider]; !ok {
		return ErrNotFound
	}
	delete(s.creds[callerID], provider)
	return nil
}
