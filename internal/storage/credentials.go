package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/concierge/internal/credentials"
	"github.com/haasonsaas/concierge/pkg/models"
)

// CredentialStore persists credentials with tokens sealed by a Cipher.
type CredentialStore struct {
	db     *DB
	cipher *credentials.Cipher
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(db *DB, cipher *credentials.Cipher) *CredentialStore {
	return &CredentialStore{db: db, cipher: cipher}
}

var _ credentials.Store = (*CredentialStore)(nil)

// Tokens are bound to their row so a sealed value cannot be replayed under
// another caller or provider.
func tokenAAD(callerID string, provider models.Provider, field string) string {
	return callerID + "/" + string(provider) + "/" + field
}

const credentialColumns = `caller_id, provider, access_token, refresh_token, expires_at, email, metadata, updated_at`

func (s *CredentialStore) List(ctx context.Context, callerID string) ([]*models.Credential, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE caller_id = ? ORDER BY provider`, callerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		cred, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func (s *CredentialStore) Get(ctx context.Context, callerID string, provider models.Provider) (*models.Credential, error) {
	row := s.db.queryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE caller_id = ? AND provider = ?`, callerID, string(provider))
	cred, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentials.ErrNotFound
	}
	return cred, err
}

func (s *CredentialStore) Put(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.CallerID == "" || cred.Provider == "" {
		return fmt.Errorf("credential requires caller_id and provider")
	}
	access, err := s.cipher.Seal(cred.AccessToken, tokenAAD(cred.CallerID, cred.Provider, "access"))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.cipher.Seal(cred.RefreshToken, tokenAAD(cred.CallerID, cred.Provider, "refresh"))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	meta, err := json.Marshal(cred.Metadata)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}
	_, err = s.db.exec(ctx, s.db,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (caller_id, provider) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   email = excluded.email,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		cred.CallerID,
		string(cred.Provider),
		access,
		refresh,
		nullTime(cred.ExpiresAt),
		cred.Email,
		string(meta),
		cred.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, callerID string, provider models.Provider) error {
	res, err := s.db.exec(ctx, s.db, `DELETE FROM credentials WHERE caller_id = ? AND provider = ?`, callerID, string(provider))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if err := expectOne(res, "delete credential"); err != nil {
		return credentials.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *CredentialStore) scan(row scanner) (*models.Credential, error) {
	var (
		cred            models.Credential
		provider        string
		access, refresh string
		expires         sql.NullTime
		meta            []byte
	)
	if err := row.Scan(&cred.CallerID, &provider, &access, &refresh, &expires, &cred.Email, &meta, &cred.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	cred.Provider = models.Provider(provider)
	cred.ExpiresAt = timeOf(expires)
	var err error
	if cred.AccessToken, err = s.cipher.Open(access, tokenAAD(cred.CallerID, cred.Provider, "access")); err != nil {
		return nil, fmt.Errorf("open %s access token: %w", provider, err)
	}
	if cred.RefreshToken, err = s.cipher.Open(refresh, tokenAAD(cred.CallerID, cred.Provider, "refresh")); err != nil {
		return nil, fmt.Errorf("open %s refresh token: %w", provider, err)
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &cred.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal credential metadata: %w", err)
		}
	}
	return &cred, nil
}
