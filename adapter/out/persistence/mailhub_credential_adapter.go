package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"mailhub_server/core/domain"
	"mailhub_server/pkg/crypto"
)

// =============================================================================
// Credential Adapter (PostgreSQL)
// =============================================================================

// CredentialAdapter implements out.CredentialStore. Tokens and passwords are
// encrypted at rest with AES-GCM.
type CredentialAdapter struct {
	db        *sqlx.DB
	encryptor *crypto.Encryptor
}

func NewCredentialAdapter(db *sqlx.DB, encryptor *crypto.Encryptor) *CredentialAdapter {
	return &CredentialAdapter{db: db, encryptor: encryptor}
}

type credentialRow struct {
	AccountID    int64          `db:"account_id"`
	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`

	IMAPHost     sql.NullString `db:"imap_host"`
	IMAPPort     sql.NullInt32  `db:"imap_port"`
	IMAPUsername sql.NullString `db:"imap_username"`
	IMAPPassword sql.NullString `db:"imap_password"`
}

func (a *CredentialAdapter) GetByAccountID(ctx context.Context, accountID int64) (*domain.Credentials, error) {
	query := `
		SELECT account_id, access_token, refresh_token, token_expiry,
		       imap_host, imap_port, imap_username, imap_password
		FROM account_credentials
		WHERE account_id = $1`

	var row credentialRow
	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no credentials for account %d: %w", accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("get credentials for account %d: %w", accountID, err)
	}

	creds := &domain.Credentials{AccountID: row.AccountID}
	var err error
	if row.AccessToken.Valid {
		if creds.AccessToken, err = a.encryptor.Decrypt(row.AccessToken.String); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	if row.RefreshToken.Valid {
		if creds.RefreshToken, err = a.encryptor.Decrypt(row.RefreshToken.String); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if row.TokenExpiry.Valid {
		creds.Expiry = row.TokenExpiry.Time
	}
	if row.IMAPHost.Valid {
		creds.Host = row.IMAPHost.String
	}
	if row.IMAPPort.Valid {
		creds.Port = int(row.IMAPPort.Int32)
	}
	if row.IMAPUsername.Valid {
		creds.Username = row.IMAPUsername.String
	}
	if row.IMAPPassword.Valid {
		if creds.Password, err = a.encryptor.Decrypt(row.IMAPPassword.String); err != nil {
			return nil, fmt.Errorf("decrypt imap password: %w", err)
		}
	}
	return creds, nil
}

// SaveOAuthTokens persists refreshed OAuth tokens back to the store.
func (a *CredentialAdapter) SaveOAuthTokens(ctx context.Context, accountID int64, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := a.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := a.encryptor.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	query := `
		UPDATE account_credentials
		SET access_token = $1, refresh_token = $2, token_expiry = $3, updated_at = NOW()
		WHERE account_id = $4`

	_, err = a.db.ExecContext(ctx, query, encAccess, encRefresh, expiry, accountID)
	if err != nil {
		return fmt.Errorf("save tokens for account %d: %w", accountID, err)
	}
	return nil
}
