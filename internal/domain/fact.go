package domain

import (
	"maps"
	"slices"
	"time"
)

// GraphMetrics are network-analysis signals for the card, supplied by an
// external graph store.
type GraphMetrics struct {
	InfluenceScore  float64 `json:"influenceScore"`
	CommunityID     string  `json:"communityId,omitempty"`
	Betweenness     float64 `json:"betweenness"`
	ConnectionCount int64   `json:"connectionCount"`
}

// Velocity holds windowed aggregates for the card (pan) and merchant.
// Sums are in major currency units. Windows exclude the current transaction.
type Velocity struct {
	PANCount1h  int64 `json:"panCount1h"`
	PANCount24h int64 `json:"panCount24h"`
	PANCount7d  int64 `json:"panCount7d"`
	PANCount30d int64 `json:"panCount30d"`

	PANSum1h  float64 `json:"panSum1h"`
	PANSum24h float64 `json:"panSum24h"`
	PANSum7d  float64 `json:"panSum7d"`
	PANSum30d float64 `json:"panSum30d"`

	MerchantCount1h  int64   `json:"merchantCount1h"`
	MerchantCount24h int64   `json:"merchantCount24h"`
	MerchantSum1h    float64 `json:"merchantSum1h"`
	MerchantSum24h   float64 `json:"merchantSum24h"`
}

// TransactionFact is the mutable record a single evaluation pass works on.
// It is owned by one goroutine; tiers receive their own Clone.
type TransactionFact struct {
	TransactionID string
	TenantID      string
	MerchantID    string
	TerminalID    string
	PANHash       string
	Channel       string
	CountryCode   string
	Currency      string
	Amount        float64
	Timestamp     time.Time

	MLScore  float64
	Graph    GraphMetrics
	Velocity Velocity
	Features Features

	Decision       Decision
	Reasons        []string
	TriggeredRules []string
	SARRequired    bool
	CTRRequired    bool

	// Facts holds scratch values asserted by compiled rule actions.
	Facts map[string]any

	triggered map[string]struct{}
}

// NewTransactionFact builds a fact from a transaction and its derived inputs.
func NewTransactionFact(tx *Transaction, features Features, velocity Velocity, mlScore float64, graph GraphMetrics) *TransactionFact {
	f := &TransactionFact{
		MLScore:  mlScore,
		Graph:    graph,
		Velocity: velocity,
		Features: features,
		Decision: DecisionAllow,
		Facts:    make(map[string]any),
	}
	if f.Features == nil {
		f.Features = Features{}
	}
	if tx != nil {
		f.TransactionID = tx.ID
		f.TenantID = tx.Tenant()
		f.MerchantID = tx.MerchantID
		f.TerminalID = tx.TerminalID
		f.PANHash = tx.PANHash
		f.Channel = tx.Channel
		f.CountryCode = tx.CountryCode
		f.Currency = tx.Currency
		f.Timestamp = tx.Timestamp
	}
	f.Amount = f.Features.Float(FeatureAmount)
	if c := f.Features.String(FeatureCurrency); c != "" {
		f.Currency = c
	}
	return f
}

// Escalate raises the decision to d if d is more severe. It never lowers it.
// Returns true if the decision changed.
func (f *TransactionFact) Escalate(d Decision) bool {
	next := f.Decision.Max(d)
	if next == f.Decision {
		return false
	}
	f.Decision = next
	return true
}

// AddReason appends a non-empty reason.
func (f *TransactionFact) AddReason(reason string) {
	if reason != "" {
		f.Reasons = append(f.Reasons, reason)
	}
}

// Trigger records a rule name once, keeping first-seen order.
func (f *TransactionFact) Trigger(name string) {
	if f.triggered == nil {
		f.triggered = make(map[string]struct{}, len(f.TriggeredRules))
		for _, n := range f.TriggeredRules {
			f.triggered[n] = struct{}{}
		}
	}
	if _, ok := f.triggered[name]; ok {
		return
	}
	f.triggered[name] = struct{}{}
	f.TriggeredRules = append(f.TriggeredRules, name)
}

// HasTriggered reports whether name was already recorded.
func (f *TransactionFact) HasTriggered(name string) bool {
	return slices.Contains(f.TriggeredRules, name)
}

// Assert stores a scratch fact for later rules.
func (f *TransactionFact) Assert(key string, value any) {
	if f.Facts == nil {
		f.Facts = make(map[string]any)
	}
	f.Facts[key] = value
}

// Clone returns a copy that shares no mutable state with f.
func (f *TransactionFact) Clone() *TransactionFact {
	c := *f
	c.Features = f.Features.Clone()
	c.Reasons = slices.Clone(f.Reasons)
	c.TriggeredRules = slices.Clone(f.TriggeredRules)
	c.Facts = maps.Clone(f.Facts)
	if c.Facts == nil {
		c.Facts = make(map[string]any)
	}
	c.triggered = nil
	return &c
}
