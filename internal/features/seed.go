package features

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is a YAML document of demo personas. Event times are relative to the
// load time so seeded personas keep realistic recency.
type Seed struct {
	Personas []SeedPersona `yaml:"personas"`
}

// SeedPersona lists one persona's activity.
type SeedPersona struct {
	ID           string            `yaml:"id"`
	Transactions []SeedTransaction `yaml:"transactions"`
	Remittances  []SeedRemittance  `yaml:"remittances"`
	Bills        []SeedBill        `yaml:"bills"`
}

type SeedTransaction struct {
	Amount  float64 `yaml:"amount"`
	DaysAgo int     `yaml:"days_ago"`
}

type SeedRemittance struct {
	Amount  float64 `yaml:"amount"`
	DaysAgo int     `yaml:"days_ago"`
}

type SeedBill struct {
	Amount     float64 `yaml:"amount"`
	DueDaysAgo int     `yaml:"due_days_ago"`
	// PaidDaysAgo is nil for an unpaid bill.
	PaidDaysAgo *int `yaml:"paid_days_ago"`
}

// LoadSeedFile reads a seed file and writes its events into w.
func LoadSeedFile(ctx context.Context, path string, w ActivityWriter, now time.Time) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return 0, fmt.Errorf("open seed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadSeed(ctx, f, w, now)
}

// LoadSeed decodes a seed document and writes its events into w. It returns
// the number of personas loaded.
func LoadSeed(ctx context.Context, r io.Reader, w ActivityWriter, now time.Time) (int, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}

	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	for _, p := range seed.Personas {
		if p.ID == "" {
			return 0, fmt.Errorf("seed persona without id")
		}
		for _, t := range p.Transactions {
			if err := w.AddTransaction(ctx, Transaction{PersonaID: p.ID, Amount: decimal.NewFromFloat(t.Amount), OccurredAt: day(t.DaysAgo)}); err != nil {
				return 0, fmt.Errorf("seed %s transaction: %w", p.ID, err)
			}
		}
		for _, rm := range p.Remittances {
			if err := w.AddRemittance(ctx, Remittance{PersonaID: p.ID, Amount: decimal.NewFromFloat(rm.Amount), ReceivedAt: day(rm.DaysAgo)}); err != nil {
				return 0, fmt.Errorf("seed %s remittance: %w", p.ID, err)
			}
		}
		for _, b := range p.Bills {
			bill := Bill{PersonaID: p.ID, Amount: decimal.NewFromFloat(b.Amount), DueAt: day(b.DueDaysAgo)}
			if b.PaidDaysAgo != nil {
				paid := day(*b.PaidDaysAgo)
				bill.PaidAt = &paid
			}
			if err := w.AddBill(ctx, bill); err != nil {
				return 0, fmt.Errorf("seed %s bill: %w", p.ID, err)
			}
		}
	}
	return len(seed.Personas), nil
}
