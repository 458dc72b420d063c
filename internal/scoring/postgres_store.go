package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/altscore/internal/pagination"
)

// Compile-time checks that PostgresStore implements the scoring stores.
var (
	_ ModelStore = (*PostgresStore)(nil)
	_ ScoreStore = (*PostgresStore)(nil)
	_ AuditStore = (*PostgresStore)(nil)
)

// PostgresStore implements the model, score and audit stores backed by
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed scoring store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the scoring tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scoring_models (
			id             VARCHAR(64) PRIMARY KEY,
			name           TEXT NOT NULL,
			version        VARCHAR(32) NOT NULL,
			schema_version VARCHAR(16) NOT NULL,
			raw_min        DOUBLE PRECISION,
			raw_max        DOUBLE PRECISION,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS score_factors (
			model_id    VARCHAR(64) NOT NULL REFERENCES scoring_models(id) ON DELETE CASCADE,
			feature_key VARCHAR(64) NOT NULL,
			weight      NUMERIC(20,8) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (model_id, feature_key)
		);

		CREATE TABLE IF NOT EXISTS risk_bands (
			model_id       VARCHAR(64) NOT NULL REFERENCES scoring_models(id) ON DELETE CASCADE,
			label          VARCHAR(32) NOT NULL,
			min_score      INTEGER NOT NULL CHECK (min_score BETWEEN 0 AND 1000),
			max_score      INTEGER NOT NULL CHECK (max_score BETWEEN 0 AND 1000),
			recommendation TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (model_id, label)
		);

		CREATE TABLE IF NOT EXISTS credit_scores (
			id          VARCHAR(40) PRIMARY KEY,
			persona_id  VARCHAR(64) NOT NULL,
			model_id    VARCHAR(64) NOT NULL,
			score       INTEGER NOT NULL CHECK (score BETWEEN 0 AND 1000),
			band        VARCHAR(32) NOT NULL,
			explanation JSONB NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_credit_scores_persona ON credit_scores(persona_id, computed_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS scoring_audit_log (
			id             VARCHAR(40) PRIMARY KEY,
			persona_id     VARCHAR(64) NOT NULL,
			model_id       VARCHAR(64) NOT NULL,
			operation      VARCHAR(32) NOT NULL,
			correlation_id VARCHAR(64) NOT NULL DEFAULT '',
			score          INTEGER NOT NULL,
			detail         JSONB,
			created_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scoring_audit_persona ON scoring_audit_log(persona_id, created_at DESC);
	`)
	return err
}

// GetModel retrieves a model header by ID.
func (p *PostgresStore) GetModel(ctx context.Context, id string) (*Model, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, version, schema_version, raw_min, raw_max, created_at, updated_at
		FROM scoring_models WHERE id = $1
	`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// ListModels returns all model headers ordered by ID.
func (p *PostgresStore) ListModels(ctx context.Context) ([]*Model, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, version, schema_version, raw_min, raw_max, created_at, updated_at
		FROM scoring_models ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListFactors returns a model's factors ordered by feature key.
func (p *PostgresStore) ListFactors(ctx context.Context, modelID string) ([]Factor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_id, feature_key, weight::DOUBLE PRECISION, description
		FROM score_factors WHERE model_id = $1 ORDER BY feature_key
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("list factors: %w", err)
	}
	defer rows.Close()

	var out []Factor
	for rows.Next() {
		var f Factor
		if err := rows.Scan(&f.ModelID, &f.FeatureKey, &f.Weight, &f.Description); err != nil {
			return nil, fmt.Errorf("scan factor: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListBands returns a model's bands, highest first.
func (p *PostgresStore) ListBands(ctx context.Context, modelID string) ([]Band, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_id, label, min_score, max_score, recommendation
		FROM risk_bands WHERE model_id = $1 ORDER BY min_score DESC
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("list bands: %w", err)
	}
	defer rows.Close()

	var out []Band
	for rows.Next() {
		var b Band
		if err := rows.Scan(&b.ModelID, &b.Label, &b.MinScore, &b.MaxScore, &b.Recommendation); err != nil {
			return nil, fmt.Errorf("scan band: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveModel upserts the model header and replaces its factors and bands in
// one transaction.
func (p *PostgresStore) SaveModel(ctx context.Context, cfg *ModelConfig) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scoring_models (id, name, version, schema_version, raw_min, raw_max, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			schema_version = EXCLUDED.schema_version,
			raw_min = EXCLUDED.raw_min,
			raw_max = EXCLUDED.raw_max,
			updated_at = NOW()
	`, cfg.ID, cfg.Name, cfg.Version, cfg.SchemaVersion, nullFloat(cfg.RawMin), nullFloat(cfg.RawMax))
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM score_factors WHERE model_id = $1`, cfg.ID); err != nil {
		return fmt.Errorf("clear factors: %w", err)
	}
	for _, f := range cfg.Factors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO score_factors (model_id, feature_key, weight, description)
			VALUES ($1, $2, $3, $4)
		`, cfg.ID, f.FeatureKey, f.Weight, f.Description); err != nil {
			return fmt.Errorf("insert factor %s: %w", f.FeatureKey, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_bands WHERE model_id = $1`, cfg.ID); err != nil {
		return fmt.Errorf("clear bands: %w", err)
	}
	for _, b := range cfg.Bands {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_bands (model_id, label, min_score, max_score, recommendation)
			VALUES ($1, $2, $3, $4, $5)
		`, cfg.ID, b.Label, b.MinScore, b.MaxScore, b.Recommendation); err != nil {
			return fmt.Errorf("insert band %s: %w", b.Label, err)
		}
	}

	return tx.Commit()
}

// Append inserts a credit score row.
func (p *PostgresStore) Append(ctx context.Context, score *CreditScore) error {
	explanation, err := json.Marshal(score.Explanation)
	if err != nil {
		return fmt.Errorf("marshal explanation: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO credit_scores (id, persona_id, model_id, score, band, explanation, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, score.ID, score.PersonaID, score.ModelID, score.Score, score.Band, explanation, score.ComputedAt)
	if err != nil {
		return fmt.Errorf("insert credit score: %w", err)
	}
	return nil
}

// ListByPersona returns a page of a persona's scores, newest first.
func (p *PostgresStore) ListByPersona(ctx context.Context, personaID, modelID string, cursor *pagination.Cursor, limit int) ([]*CreditScore, error) {
	query := `
		SELECT id, persona_id, model_id, score, band, explanation, computed_at
		FROM credit_scores
		WHERE persona_id = $1 AND ($2 = '' OR model_id = $2)`
	args := []interface{}{personaID, modelID}
	if cursor != nil {
		query += ` AND (computed_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY computed_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

// ListSince returns a persona's scores computed at or after since, oldest first.
func (p *PostgresStore) ListSince(ctx context.Context, personaID, modelID string, since time.Time) ([]*CreditScore, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, persona_id, model_id, score, band, NULL::JSONB, computed_at
		FROM credit_scores
		WHERE persona_id = $1 AND ($2 = '' OR model_id = $2) AND computed_at >= $3
		ORDER BY computed_at ASC
	`, personaID, modelID, since)
	if err != nil {
		return nil, fmt.Errorf("list scores since: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

// Record inserts an audit entry.
func (p *PostgresStore) Record(ctx context.Context, e *AuditEntry) error {
	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scoring_audit_log (id, persona_id, model_id, operation, correlation_id, score, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.PersonaID, e.ModelID, e.Operation, e.CorrelationID, e.Score, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the newest audit entries, optionally for one persona.
func (p *PostgresStore) List(ctx context.Context, personaID string, limit int) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, persona_id, model_id, operation, correlation_id, score, detail, created_at
		FROM scoring_audit_log
		WHERE ($1 = '' OR persona_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.PersonaID, &e.ModelID, &e.Operation, &e.CorrelationID, &e.Score, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// scannable is satisfied by *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanModel(row scannable) (*Model, error) {
	var m Model
	var rawMin, rawMax sql.NullFloat64
	if err := row.Scan(&m.ID, &m.Name, &m.Version, &m.SchemaVersion, &rawMin, &rawMax, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if rawMin.Valid {
		m.RawMin = &rawMin.Float64
	}
	if rawMax.Valid {
		m.RawMax = &rawMax.Float64
	}
	return &m, nil
}

func scanScores(rows *sql.Rows) ([]*CreditScore, error) {
	var out []*CreditScore
	for rows.Next() {
		var s CreditScore
		var explanation []byte
		if err := rows.Scan(&s.ID, &s.PersonaID, &s.ModelID, &s.Score, &s.Band, &explanation, &s.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan credit score: %w", err)
		}
		if len(explanation) > 0 {
			s.Explanation = &Explanation{}
			if err := json.Unmarshal(explanation, s.Explanation); err != nil {
				return nil, fmt.Errorf("decode explanation: %w", err)
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
