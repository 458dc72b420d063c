package features

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/altscore/internal/idgen"
)

// PostgresSource reads activity aggregates from PostgreSQL.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source over db.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Migrate creates the activity tables if they do not exist.
func (s *PostgresSource) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS persona_transactions (
			id          VARCHAR(36) PRIMARY KEY,
			persona_id  VARCHAR(64) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_persona_tx ON persona_transactions(persona_id, occurred_at);

		CREATE TABLE IF NOT EXISTS persona_remittances (
			id          VARCHAR(36) PRIMARY KEY,
			persona_id  VARCHAR(64) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_persona_remit ON persona_remittances(persona_id, received_at);

		CREATE TABLE IF NOT EXISTS persona_bills (
			id          VARCHAR(36) PRIMARY KEY,
			persona_id  VARCHAR(64) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			due_at      TIMESTAMPTZ NOT NULL,
			paid_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_persona_bills ON persona_bills(persona_id, due_at);
	`)
	return err
}

func (s *PostgresSource) AddTransaction(ctx context.Context, t Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_transactions (id, persona_id, amount, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, idgen.WithPrefix("tx_"), t.PersonaID, t.Amount.String(), t.OccurredAt)
	return err
}

func (s *PostgresSource) AddRemittance(ctx context.Context, r Remittance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_remittances (id, persona_id, amount, received_at)
		VALUES ($1, $2, $3, $4)
	`, idgen.WithPrefix("rem_"), r.PersonaID, r.Amount.String(), r.ReceivedAt)
	return err
}

func (s *PostgresSource) AddBill(ctx context.Context, b Bill) error {
	var paidAt interface{}
	if b.PaidAt != nil {
		paidAt = *b.PaidAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_bills (id, persona_id, amount, due_at, paid_at)
		VALUES ($1, $2, $3, $4, $5)
	`, idgen.WithPrefix("bill_"), b.PersonaID, b.Amount.String(), b.DueAt, paidAt)
	return err
}

// Aggregate runs one query per activity table.
func (s *PostgresSource) Aggregate(ctx context.Context, personaID string, w Window) (*Aggregates, error) {
	agg := &Aggregates{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM persona_transactions
		WHERE persona_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	`, personaID, w.ShortStart, w.AsOf).Scan(&agg.TxCount, &agg.TxVolume)
	if err != nil {
		return nil, fmt.Errorf("aggregate transactions: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0),
		       COUNT(DISTINCT date_trunc('month', received_at AT TIME ZONE 'UTC'))
		FROM persona_remittances
		WHERE persona_id = $1 AND received_at >= $2 AND received_at <= $3
	`, personaID, w.LongStart, w.AsOf).Scan(&agg.RemitCount, &agg.RemitVolume, &agg.RemitActiveMonths)
	if err != nil {
		return nil, fmt.Errorf("aggregate remittances: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE paid_at IS NOT NULL AND paid_at <= due_at)
		FROM persona_bills
		WHERE persona_id = $1 AND due_at >= $2 AND due_at <= $3
	`, personaID, w.LongStart, w.AsOf).Scan(&agg.BillsTotal, &agg.BillsPaidOnTime)
	if err != nil {
		return nil, fmt.Errorf("aggregate bills: %w", err)
	}

	var last sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			(SELECT MAX(occurred_at) FROM persona_transactions WHERE persona_id = $1 AND occurred_at <= $2),
			(SELECT MAX(received_at) FROM persona_remittances WHERE persona_id = $1 AND received_at <= $2)
		)
	`, personaID, w.AsOf).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last activity: %w", err)
	}
	if last.Valid {
		t := last.Time
		agg.LastActivityAt = &t
	}

	return agg, nil
}

// Compile-time assertions
var (
	_ ActivitySource = (*PostgresSource)(nil)
	_ ActivityWriter = (*PostgresSource)(nil)
)
