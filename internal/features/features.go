// Package features turns a persona's raw activity history into a typed,
// schema-validated feature vector.
package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/altscore/internal/apperr"
)

// Feature keys of schema v1.
const (
	KeyTx6mCount            = "tx_6m_count"
	KeyTx6mVolume           = "tx_6m_volume"
	KeyTx6mAvgAmount        = "tx_6m_avg_amount"
	KeyRemit12mCount        = "remit_12m_count"
	KeyRemit12mVolume       = "remit_12m_volume"
	KeyRemit12mActiveMonths = "remit_12m_active_months"
	KeyBills12mTotal        = "bills_12m_total"
	KeyBills12mPaidOnTime   = "bills_12m_paid_on_time"
	KeyBillsPaidRatio       = "bills_paid_ratio"
	KeyDaysSinceLastActive  = "days_since_last_activity"
	KeyHasRemittances       = "has_remittances"

	KeyPaymentConsistency   = "payment_consistency"
	KeyRecencyRisk          = "recency_risk"
	KeyRemittanceRegularity = "remittance_regularity"
)

// NoActivityDays is the days-since-last-activity sentinel used when a persona
// has no recorded activity.
const NoActivityDays = 365

// ErrorMarkerUnavailable annotates a feature set built from defaults because
// the activity source failed.
const ErrorMarkerUnavailable = "activity_unavailable"

var ErrInvalidFeatureSet = apperr.Validation("invalid_feature_set", "", "feature set does not match schema")

// Kind is the type of a feature value.
type Kind string

const (
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
)

// Value is a single numeric or boolean feature.
type Value struct {
	kind Kind
	num  float64
	b    bool
}

// Number returns a numeric feature value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean feature value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric value, coercing booleans to 0 or 1.
func (v Value) Float() float64 {
	if v.kind == KindBool {
		if v.b {
			return 1
		}
		return 0
	}
	return v.num
}

// Decimal returns Float as an exact decimal.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromFloat(v.Float())
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindBool {
		return json.Marshal(v.b)
	}
	return json.Marshal(v.num)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		*v = Bool(x)
	case float64:
		*v = Number(x)
	default:
		return fmt.Errorf("feature value must be a number or boolean, got %s", string(data))
	}
	return nil
}

// Vector maps feature keys to values.
type Vector map[string]Value

// Float returns the value for key coerced to a number, or 0 when missing.
func (v Vector) Float(key string) float64 {
	if val, ok := v[key]; ok {
		return val.Float()
	}
	return 0
}

// Clone returns a shallow copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Keys returns the keys in lexicographic order.
func (v Vector) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set is the extractor output for one persona.
type Set struct {
	PersonaID     string    `json:"persona_id"`
	SchemaVersion string    `json:"schema_version"`
	Values        Vector    `json:"values"`
	WindowEnd     time.Time `json:"window_end"`
	Error         string    `json:"error,omitempty"`
}

// Field declares one feature of a schema.
type Field struct {
	Key         string
	Kind        Kind
	Derived     bool
	Description string
}

// Schema is a versioned list of fields a model consumes.
type Schema struct {
	Version string
	Fields  []Field
	index   map[string]Field
}

// NewSchema builds a schema and indexes its fields.
func NewSchema(version string, fields ...Field) *Schema {
	s := &Schema{Version: version, Fields: fields, index: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.index[f.Key] = f
	}
	return s
}

// Field looks up a declared field.
func (s *Schema) Field(key string) (Field, bool) {
	f, ok := s.index[key]
	return f, ok
}

// Has reports whether key is declared.
func (s *Schema) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Validate checks that v carries exactly the declared fields with the
// declared kinds and finite numbers.
func (s *Schema) Validate(v Vector) error {
	for _, f := range s.Fields {
		val, ok := v[f.Key]
		if !ok {
			return apperr.WithMessage(ErrInvalidFeatureSet, "missing feature "+f.Key)
		}
		if val.Kind() != f.Kind {
			return apperr.WithMessage(ErrInvalidFeatureSet, fmt.Sprintf("feature %s must be a %s", f.Key, f.Kind))
		}
		if f.Kind == KindNumber && (math.IsNaN(val.num) || math.IsInf(val.num, 0)) {
			return apperr.WithMessage(ErrInvalidFeatureSet, "feature "+f.Key+" is not finite")
		}
	}
	for _, k := range v.Keys() {
		if !s.Has(k) {
			return apperr.WithMessage(ErrInvalidFeatureSet, "undeclared feature "+k)
		}
	}
	return nil
}

var errUncoercible = errors.New("value cannot be coerced")

// Coerce converts a decoded JSON override into a value of the field's kind.
// Bool fields accept booleans and 0/1 numbers; number fields accept numbers
// and booleans.
func (s *Schema) Coerce(key string, raw any) (Value, error) {
	f, ok := s.index[key]
	if !ok {
		return Value{}, fmt.Errorf("unknown feature %q", key)
	}
	var num float64
	var isBool, b bool
	switch x := raw.(type) {
	case bool:
		isBool, b = true, x
	case float64:
		num = x
	case int:
		num = float64(x)
	case json.Number:
		f64, err := x.Float64()
		if err != nil {
			return Value{}, errUncoercible
		}
		num = f64
	case Value:
		if x.kind == KindBool {
			isBool, b = true, x.b
		} else {
			num = x.num
		}
	default:
		return Value{}, errUncoercible
	}
	if !isBool && (math.IsNaN(num) || math.IsInf(num, 0)) {
		return Value{}, errUncoercible
	}

	if f.Kind == KindBool {
		if isBool {
			return Bool(b), nil
		}
		switch num {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return Value{}, errUncoercible
	}
	if isBool {
		return Bool(b).asNumber(), nil
	}
	return Number(num), nil
}

func (v Value) asNumber() Value { return Number(v.Float()) }

// SchemaV1 is the schema produced by the extractor.
var SchemaV1 = NewSchema("v1",
	Field{Key: KeyTx6mCount, Kind: KindNumber, Description: "transactions in the last 6 months"},
	Field{Key: KeyTx6mVolume, Kind: KindNumber, Description: "transaction volume in the last 6 months"},
	Field{Key: KeyTx6mAvgAmount, Kind: KindNumber, Description: "average transaction amount in the last 6 months"},
	Field{Key: KeyRemit12mCount, Kind: KindNumber, Description: "remittances received in the last 12 months"},
	Field{Key: KeyRemit12mVolume, Kind: KindNumber, Description: "remittance volume in the last 12 months"},
	Field{Key: KeyRemit12mActiveMonths, Kind: KindNumber, Description: "distinct months with a remittance in the last 12 months"},
	Field{Key: KeyBills12mTotal, Kind: KindNumber, Description: "bills due in the last 12 months"},
	Field{Key: KeyBills12mPaidOnTime, Kind: KindNumber, Description: "bills paid on or before the due date"},
	Field{Key: KeyBillsPaidRatio, Kind: KindNumber, Description: "on-time bills over bills due"},
	Field{Key: KeyDaysSinceLastActive, Kind: KindNumber, Description: "days since the latest transaction or remittance"},
	Field{Key: KeyHasRemittances, Kind: KindBool, Description: "any remittance in the last 12 months"},
	Field{Key: KeyPaymentConsistency, Kind: KindNumber, Derived: true, Description: "min(1, bills_paid_ratio * 1.2)"},
	Field{Key: KeyRecencyRisk, Kind: KindNumber, Derived: true, Description: "bucketed inactivity risk"},
	Field{Key: KeyRemittanceRegularity, Kind: KindNumber, Derived: true, Description: "active remittance months over 12"},
)

// CurrentSchemaVersion is the schema version new models default to.
const CurrentSchemaVersion = "v1"

var schemas = map[string]*Schema{
	SchemaV1.Version: SchemaV1,
}

// LookupSchema returns the schema registered under version.
func LookupSchema(version string) (*Schema, bool) {
	s, ok := schemas[version]
	return s, ok
}

// Window bounds the aggregation periods for one extraction.
type Window struct {
	AsOf       time.Time
	ShortStart time.Time
	LongStart  time.Time
}

// NewWindow returns the 6-month and 12-month windows ending at asOf.
func NewWindow(asOf time.Time) Window {
	return Window{
		AsOf:       asOf,
		ShortStart: asOf.AddDate(0, -6, 0),
		LongStart:  asOf.AddDate(0, -12, 0),
	}
}

// Aggregates are the raw activity totals an ActivitySource reports.
type Aggregates struct {
	TxCount           int64
	TxVolume          decimal.Decimal
	RemitCount        int64
	RemitVolume       decimal.Decimal
	RemitActiveMonths int64
	BillsTotal        int64
	BillsPaidOnTime   int64
	LastActivityAt    *time.Time
}

// ActivitySource reads activity aggregates for a persona.
type ActivitySource interface {
	Aggregate(ctx context.Context, personaID string, w Window) (*Aggregates, error)
}

// Transaction is a card or wallet transaction.
type Transaction struct {
	PersonaID  string          `json:"persona_id"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Remittance is an inbound money transfer.
type Remittance struct {
	PersonaID  string          `json:"persona_id"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Bill is a utility or service bill; PaidAt is nil while unpaid.
type Bill struct {
	PersonaID string          `json:"persona_id"`
	Amount    decimal.Decimal `json:"amount"`
	DueAt     time.Time       `json:"due_at"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

// ActivityWriter records raw activity. Both sources implement it so seed
// data can be loaded into either.
type ActivityWriter interface {
	AddTransaction(ctx context.Context, t Transaction) error
	AddRemittance(ctx context.Context, r Remittance) error
	AddBill(ctx context.Context, b Bill) error
}
