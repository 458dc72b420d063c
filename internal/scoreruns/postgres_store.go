package scoreruns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/altscore/internal/scoring"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists score runs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the score_runs table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS score_runs (
			id           VARCHAR(36) PRIMARY KEY,
			owner_id     VARCHAR(64) NOT NULL,
			persona_id   VARCHAR(64) NOT NULL,
			model_id     VARCHAR(64) NOT NULL,
			status       VARCHAR(16) NOT NULL,
			score_result INTEGER,
			risk_band    VARCHAR(32),
			explanation  JSONB,
			error        TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_score_runs_owner ON score_runs(owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_score_runs_running ON score_runs(created_at) WHERE status = 'running';
	`)
	return err
}

const runColumns = `id, owner_id, persona_id, model_id, status, score_result, risk_band,
	explanation, error, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, run *Run) error {
	explanation, err := marshalExplanation(run.Explanation)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO score_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.OwnerID, run.PersonaID, run.ModelID, string(run.Status),
		nullInt(run.ScoreResult), nullString(run.RiskBand), explanation, nullString(run.Error),
		run.CreatedAt, run.UpdatedAt, nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert score run: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM score_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get score run: %w", err)
	}
	return run, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM score_runs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list score runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// Transition updates the run in a single statement guarded on status.
func (p *PostgresStore) Transition(ctx context.Context, run *Run, from Status) error {
	explanation, err := marshalExplanation(run.Explanation)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE score_runs SET
			status = $1, score_result = $2, risk_band = $3, explanation = $4,
			error = $5, updated_at = $6, completed_at = $7
		WHERE id = $8 AND status = $9`,
		string(run.Status), nullInt(run.ScoreResult), nullString(run.RiskBand), explanation,
		nullString(run.Error), run.UpdatedAt, nullTime(run.CompletedAt),
		run.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition score run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition score run: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM score_runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("transition score run: %w", err)
		}
		if !exists {
			return ErrRunNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM score_runs
		WHERE status = 'running' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale score runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	var (
		status      string
		score       sql.NullInt64
		band        sql.NullString
		explanation []byte
		runErr      sql.NullString
		completedAt sql.NullTime
	)
	if err := s.Scan(
		&run.ID, &run.OwnerID, &run.PersonaID, &run.ModelID, &status, &score, &band,
		&explanation, &runErr, &run.CreatedAt, &run.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	if score.Valid {
		v := int(score.Int64)
		run.ScoreResult = &v
	}
	run.RiskBand = band.String
	run.Error = runErr.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if len(explanation) > 0 {
		var e scoring.Explanation
		if err := json.Unmarshal(explanation, &e); err != nil {
			return nil, fmt.Errorf("decode run explanation: %w", err)
		}
		run.Explanation = &e
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func marshalExplanation(e *scoring.Explanation) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode run explanation: %w", err)
	}
	return b, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
