package features

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemorySource is an in-memory ActivitySource and ActivityWriter for
// development and tests.
type MemorySource struct {
	mu           sync.RWMutex
	transactions map[string][]Transaction
	remittances  map[string][]Remittance
	bills        map[string][]Bill
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		transactions: make(map[string][]Transaction),
		remittances:  make(map[string][]Remittance),
		bills:        make(map[string][]Bill),
	}
}

func (s *MemorySource) AddTransaction(_ context.Context, t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[t.PersonaID] = append(s.transactions[t.PersonaID], t)
	return nil
}

func (s *MemorySource) AddRemittance(_ context.Context, r Remittance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remittances[r.PersonaID] = append(s.remittances[r.PersonaID], r)
	return nil
}

func (s *MemorySource) AddBill(_ context.Context, b Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bills[b.PersonaID] = append(s.bills[b.PersonaID], b)
	return nil
}

// Aggregate totals the persona's events inside w. Events after w.AsOf are
// ignored.
func (s *MemorySource) Aggregate(_ context.Context, personaID string, w Window) (*Aggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &Aggregates{TxVolume: decimal.Zero, RemitVolume: decimal.Zero}
	var last time.Time

	for _, t := range s.transactions[personaID] {
		if t.OccurredAt.After(w.AsOf) {
			continue
		}
		if t.OccurredAt.After(last) {
			last = t.OccurredAt
		}
		if !t.OccurredAt.Before(w.ShortStart) {
			agg.TxCount++
			agg.TxVolume = agg.TxVolume.Add(t.Amount)
		}
	}

	months := make(map[string]struct{})
	for _, r := range s.remittances[personaID] {
		if r.ReceivedAt.After(w.AsOf) {
			continue
		}
		if r.ReceivedAt.After(last) {
			last = r.ReceivedAt
		}
		if !r.ReceivedAt.Before(w.LongStart) {
			agg.RemitCount++
			agg.RemitVolume = agg.RemitVolume.Add(r.Amount)
			months[r.ReceivedAt.UTC().Format("2006-01")] = struct{}{}
		}
	}
	agg.RemitActiveMonths = int64(len(months))

	for _, b := range s.bills[personaID] {
		if b.DueAt.Before(w.LongStart) || b.DueAt.After(w.AsOf) {
			continue
		}
		agg.BillsTotal++
		if b.PaidAt != nil && !b.PaidAt.After(b.DueAt) {
			agg.BillsPaidOnTime++
		}
	}

	if !last.IsZero() {
		agg.LastActivityAt = &last
	}
	return agg, nil
}

// Compile-time assertions
var (
	_ ActivitySource = (*MemorySource)(nil)
	_ ActivityWriter = (*MemorySource)(nil)
)
