package scoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/altscore/internal/pagination"
)

// MemoryStore is an in-memory model, score and audit store for
// demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	models  map[string]*Model
	factors map[string][]Factor
	bands   map[string][]Band
	scores  []*CreditScore
	audit   []*AuditEntry
}

// NewMemoryStore creates a new in-memory scoring store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:  make(map[string]*Model),
		factors: make(map[string][]Factor),
		bands:   make(map[string][]Band),
	}
}

func (m *MemoryStore) GetModel(_ context.Context, id string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.models[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	cp := *model
	return &cp, nil
}

func (m *MemoryStore) ListModels(_ context.Context) ([]*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Model, 0, len(m.models))
	for _, model := range m.models {
		cp := *model
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListFactors(_ context.Context, modelID string) ([]Factor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Factor, len(m.factors[modelID]))
	copy(out, m.factors[modelID])
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out, nil
}

func (m *MemoryStore) ListBands(_ context.Context, modelID string) ([]Band, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Band, len(m.bands[modelID]))
	copy(out, m.bands[modelID])
	sort.Slice(out, func(i, j int) bool { return out[i].MinScore > out[j].MinScore })
	return out, nil
}

func (m *MemoryStore) SaveModel(_ context.Context, cfg *ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	model := cfg.Model
	if existing, ok := m.models[model.ID]; ok {
		model.CreatedAt = existing.CreatedAt
	} else {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	m.models[model.ID] = &model

	factors := make([]Factor, len(cfg.Factors))
	copy(factors, cfg.Factors)
	m.factors[model.ID] = factors

	bands := make([]Band, len(cfg.Bands))
	copy(bands, cfg.Bands)
	m.bands[model.ID] = bands
	return nil
}

func (m *MemoryStore) Append(_ context.Context, score *CreditScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *score
	m.scores = append(m.scores, &cp)
	return nil
}

func (m *MemoryStore) ListByPersona(_ context.Context, personaID, modelID string, cursor *pagination.Cursor, limit int) ([]*CreditScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CreditScore
	for _, s := range m.scores {
		if s.PersonaID != personaID || (modelID != "" && s.ModelID != modelID) {
			continue
		}
		if !cursor.After(s.ComputedAt, s.ID) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ComputedAt.Equal(out[j].ComputedAt) {
			return out[i].ComputedAt.After(out[j].ComputedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSince(_ context.Context, personaID, modelID string, since time.Time) ([]*CreditScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CreditScore
	for _, s := range m.scores {
		if s.PersonaID != personaID || (modelID != "" && s.ModelID != modelID) || s.ComputedAt.Before(since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

// ScoreCount returns the number of persisted scores.
func (m *MemoryStore) ScoreCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scores)
}

func (m *MemoryStore) Record(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, personaID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if personaID != "" && e.PersonaID != personaID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Compile-time assertions
var (
	_ ModelStore = (*MemoryStore)(nil)
	_ ScoreStore = (*MemoryStore)(nil)
	_ AuditStore = (*MemoryStore)(nil)
)
