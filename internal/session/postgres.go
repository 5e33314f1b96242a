package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// PostgresStore persists sessions in PostgreSQL. All orchestrator writes
// go through status-conditioned UPDATEs; the WHERE predicate is the
// correctness backstop against racing writers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `id, company_id, amount::text, currency, selected_gateway, gateway_session_id,
	status, completed_at, failed_at, failure_reason, metadata, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s            Session
		amount       string
		selected     *string
		gatewaySess  *string
		failReason   *string
		metadataJSON []byte
	)
	if err := row.Scan(&s.ID, &s.CompanyID, &amount, &s.Currency, &selected, &gatewaySess,
		&s.Status, &s.CompletedAt, &s.FailedAt, &failReason, &metadataJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse session amount: %w", err)
	}
	s.Amount = dec
	if selected != nil {
		s.SelectedGateway = gateway.Type(*selected)
	}
	if gatewaySess != nil {
		s.GatewaySessionID = *gatewaySess
	}
	if failReason != nil {
		s.FailureReason = *failReason
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &s, nil
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	metadataJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkout_sessions
			(id, company_id, amount, currency, selected_gateway, gateway_session_id,
			 status, completed_at, failed_at, failure_reason, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,NULLIF($10,''),$11,$12,$13)`,
		s.ID, s.CompanyID, s.Amount.String(), s.Currency, string(s.SelectedGateway), s.GatewaySessionID,
		string(s.Status), s.CompletedAt, s.FailedAt, s.FailureReason, metadataJSON, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) FindByGatewaySessionID(ctx context.Context, gatewaySessionID string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE gateway_session_id = $1`, gatewaySessionID)
	return scanSession(row)
}

// buildUpdate renders the SET clause for a partial update. Metadata is
// merged with || so concurrent annotations never drop each other's keys.
func buildUpdate(upd Update, args *[]any) (string, error) {
	var sets []string
	add := func(column string, value any) {
		*args = append(*args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(*args)))
	}

	if upd.SelectedGateway != nil {
		add("selected_gateway", string(*upd.SelectedGateway))
	}
	if upd.GatewaySessionID != nil {
		add("gateway_session_id", *upd.GatewaySessionID)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.FailedAt != nil {
		add("failed_at", *upd.FailedAt)
	}
	if upd.FailureReason != nil {
		add("failure_reason", *upd.FailureReason)
	}
	if len(upd.Metadata) > 0 {
		metadataJSON, err := json.Marshal(upd.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata update: %w", err)
		}
		*args = append(*args, metadataJSON)
		sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d::jsonb", len(*args)))
	}
	sets = append(sets, "updated_at = now()")
	return strings.Join(sets, ", "), nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, upd Update) error {
	args := []any{id}
	setClause, err := buildUpdate(upd, &args)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE checkout_sessions SET `+setClause+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from []gateway.Status, upd Update) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	args := []any{id}
	setClause, err := buildUpdate(upd, &args)
	if err != nil {
		return err
	}
	args = append(args, statuses)
	query := fmt.Sprintf(`UPDATE checkout_sessions SET %s WHERE id = $1 AND status = ANY($%d)`, setClause, len(args))

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conditional update session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: distinguish a lost race from a missing session.
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM checkout_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}
