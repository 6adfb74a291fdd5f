package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/pkg/models"
)

// DefaultRefreshBuffer is how close to expiry a token may get before it is
// refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

// Resolver turns stored credentials into the integrations usable for one
// turn, refreshing tokens that are about to expire.
type Resolver struct {
	store     Store
	refresher Refresher
	buffer    time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithBuffer overrides DefaultRefreshBuffer.
func WithBuffer(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.buffer = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver. refresher may be nil, in which case
// expiring credentials are skipped.
func NewResolver(store Store, refresher Refresher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		refresher: refresher,
		buffer:    DefaultRefreshBuffer,
		now:       time.Now,
		logger:    slog.Default().With("component", "credentials"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the caller's usable integrations sorted by provider. A
// credential that cannot be refreshed, or whose refreshed tokens cannot be
// saved, is left out rather than failing the whole turn.
func (r *Resolver) Resolve(ctx context.Context, callerID string) ([]models.ConnectedIntegration, error) {
	creds, err := r.store.List(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	now := r.now()
	out := make([]models.ConnectedIntegration, 0, len(creds))
	for _, cred := range creds {
		if cred.AccessToken == "" || !cred.Provider.Valid() {
			continue
		}
		if cred.Expiring(now, r.buffer) {
			if !r.refresh(ctx, cred) {
				continue
			}
		}
		out = append(out, cred.Connected())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// refresh updates cred in place and persists it. It reports whether the
// credential is usable afterwards.
func (r *Resolver) refresh(ctx context.Context, cred *models.Credential) bool {
	logger := r.logger.With("caller_id", cred.CallerID, "provider", cred.Provider)
	if cred.RefreshToken == "" || r.refresher == nil {
		logger.Info("credential expired without refresh token; skipping")
		return false
	}

	token, err := r.refresher.Refresh(ctx, cred.Provider, cred.RefreshToken)
	if err == nil && (token == nil || token.AccessToken == "") {
		err = fmt.Errorf("refresh %s token: empty access token", cred.Provider)
	}
	r.metrics.RecordCredentialRefresh(string(cred.Provider), err)
	if err != nil {
		logger.Warn("credential refresh failed", "error", err)
		return false
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.ExpiresAt = token.Expiry
	cred.UpdatedAt = r.now()
	if err := r.store.Put(ctx, cred); err != nil {
		logger.Error("persist refreshed credential failed", "error", err)
		return false
	}
	logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return true
}
