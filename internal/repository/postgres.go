package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
)

// Compile-time interface assertion.
var _ IntegrationRepository = (*PostgresIntegrationRepo)(nil)

const (
	insertIntegrationSQL = `
INSERT INTO integrations (id, user_id, provider_id, name, encrypted_payload, scope, token_type, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING id, user_id, provider_id, name, encrypted_payload, scope, token_type, status, created_at, updated_at, last_used_at`

	selectIntegrationSQL = `
SELECT id, user_id, provider_id, name, encrypted_payload, scope, token_type, status, created_at, updated_at, last_used_at
FROM integrations WHERE id = $1`

	listIntegrationsSQL = `
SELECT id, user_id, provider_id, name, encrypted_payload, scope, token_type, status, created_at, updated_at, last_used_at
FROM integrations WHERE user_id = $1 ORDER BY created_at`

	updatePayloadSQL = `
UPDATE integrations SET encrypted_payload = $2, scope = $3, token_type = $4, status = $5, updated_at = $6 WHERE id = $1`

	setStatusSQL = `
UPDATE integrations SET status = $2, updated_at = $3 WHERE id = $1`

	touchLastUsedSQL = `
UPDATE integrations SET last_used_at = $2 WHERE id = $1`

	deleteIntegrationSQL = `DELETE FROM integrations WHERE id = $1`
)

// PostgresIntegrationRepo implements IntegrationRepository on pgx.
type PostgresIntegrationRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresIntegrationRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresIntegrationRepo {
	return &PostgresIntegrationRepo{db: pool, node: node}
}

func (r *PostgresIntegrationRepo) Create(ctx context.Context, in integration.Integration) (integration.Integration, error) {
	if in.ID == "" {
		in.ID = r.node.Generate().String()
	}
	if in.Status == "" {
		in.Status = integration.StatusActive
	}
	now := time.Now().UTC()

	row := r.db.QueryRow(ctx, insertIntegrationSQL,
		in.ID,
		in.UserID,
		in.ProviderID,
		in.Name,
		in.EncryptedPayload,
		in.Scope,
		in.TokenType,
		in.Status,
		now,
	)
	created, err := scanIntegration(row)
	if err != nil {
		return integration.Integration{}, fmt.Errorf("create integration: %w", err)
	}
	return created, nil
}

func (r *PostgresIntegrationRepo) GetByID(ctx context.Context, id string) (integration.Integration, error) {
	row := r.db.QueryRow(ctx, selectIntegrationSQL, id)
	found, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return integration.Integration{}, fmt.Errorf("integration %s: %w", id, integration.ErrNotFound)
		}
		return integration.Integration{}, fmt.Errorf("get integration: %w", err)
	}
	return found, nil
}

func (r *PostgresIntegrationRepo) ListByUser(ctx context.Context, userID string) ([]integration.Integration, error) {
	rows, err := r.db.Query(ctx, listIntegrationsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []integration.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return out, nil
}

func (r *PostgresIntegrationRepo) UpdatePayload(ctx context.Context, id string, payload []byte, scope, tokenType string) error {
	tag, err := r.db.Exec(ctx, updatePayloadSQL, id, payload, scope, tokenType, integration.StatusActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("integration %s: %w", id, integration.ErrNotFound)
	}
	return nil
}

func (r *PostgresIntegrationRepo) SetStatus(ctx context.Context, id string, status integration.Status) error {
	tag, err := r.db.Exec(ctx, setStatusSQL, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("integration %s: %w", id, integration.ErrNotFound)
	}
	return nil
}

func (r *PostgresIntegrationRepo) TouchLastUsed(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, touchLastUsedSQL, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, deleteIntegrationSQL, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("integration %s: %w", id, integration.ErrNotFound)
	}
	return nil
}

func scanIntegration(row pgx.Row) (integration.Integration, error) {
	var in integration.Integration
	err := row.Scan(
		&in.ID,
		&in.UserID,
		&in.ProviderID,
		&in.Name,
		&in.EncryptedPayload,
		&in.Scope,
		&in.TokenType,
		&in.Status,
		&in.CreatedAt,
		&in.UpdatedAt,
		&in.LastUsedAt,
	)
	return in, err
}
