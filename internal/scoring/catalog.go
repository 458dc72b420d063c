package scoring

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/features"
	"github.com/mbd888/altscore/internal/validation"
)

//go:embed catalog/default.yaml
var defaultCatalog []byte

type catalogDoc struct {
	Models []*ModelConfig `yaml:"models"`
}

// DefaultCatalog returns the built-in models.
func DefaultCatalog() ([]*ModelConfig, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalog))
}

// LoadCatalogFile reads a YAML model catalog from path.
func LoadCatalogFile(path string) ([]*ModelConfig, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadCatalog(f)
}

// LoadCatalog decodes and validates a YAML model catalog. Any invalid model
// rejects the whole catalog.
func LoadCatalog(r io.Reader) ([]*ModelConfig, error) {
	var doc catalogDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(doc.Models))
	for i, cfg := range doc.Models {
		if cfg == nil {
			return nil, apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("model entry %d is empty", i))
		}
		if err := ValidateModelConfig(cfg); err != nil {
			return nil, fmt.Errorf("model %q: %w", cfg.ID, err)
		}
		if seen[cfg.ID] {
			return nil, apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("model %q defined twice", cfg.ID))
		}
		seen[cfg.ID] = true
	}
	return doc.Models, nil
}

// SeedCatalog saves every model of cfgs into store.
func SeedCatalog(ctx context.Context, store ModelStore, cfgs []*ModelConfig) error {
	for _, cfg := range cfgs {
		if err := store.SaveModel(ctx, cfg); err != nil {
			return fmt.Errorf("seed model %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// ValidateModelConfig normalizes and checks a model configuration: a valid
// id, a known feature schema, consistent raw bounds, factors over declared
// features, and bands that partition [0,1000].
func ValidateModelConfig(cfg *ModelConfig) error {
	if cfg == nil {
		return apperr.WithMessage(ErrInvalidModel, "model is required")
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if !validation.IsValidID(cfg.ID) {
		return apperr.WithMessage(ErrInvalidModel, "model id is invalid")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.ID
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return apperr.WithMessage(ErrInvalidModel, "model version is required")
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = features.CurrentSchemaVersion
	}
	schema, ok := features.LookupSchema(cfg.SchemaVersion)
	if !ok {
		return apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("unknown feature schema %q", cfg.SchemaVersion))
	}

	if (cfg.RawMin == nil) != (cfg.RawMax == nil) {
		return apperr.WithMessage(ErrInvalidBounds, "raw_min and raw_max must be set together")
	}
	if cfg.RawMin != nil && *cfg.RawMax <= *cfg.RawMin {
		return ErrInvalidBounds
	}

	keys := make(map[string]bool, len(cfg.Factors))
	for i := range cfg.Factors {
		f := &cfg.Factors[i]
		f.ModelID = cfg.ID
		if !schema.Has(f.FeatureKey) {
			return apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("factor %q is not a %s feature", f.FeatureKey, schema.Version))
		}
		if keys[f.FeatureKey] {
			return apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("factor %q is duplicated", f.FeatureKey))
		}
		keys[f.FeatureKey] = true
		if math.IsNaN(f.Weight) || math.IsInf(f.Weight, 0) {
			return apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("factor %q weight is not finite", f.FeatureKey))
		}
	}

	for i := range cfg.Bands {
		cfg.Bands[i].ModelID = cfg.ID
		cfg.Bands[i].Label = strings.TrimSpace(cfg.Bands[i].Label)
	}
	return ValidateBands(cfg.Bands)
}
