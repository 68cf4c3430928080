package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// valueKind is the comparison class of a field.
type valueKind int

const (
	kindAny valueKind = iota
	kindNumber
	kindString
	kindBool
)

type factField struct {
	kind    valueKind
	celType *cel.Type
	get     func(f *domain.TransactionFact) any
}

// Scopes of a field path. Top-level fields have no scope prefix.
const (
	scopeFact     = ""
	scopeFeatures = "features"
	scopeFacts    = "facts"
	scopeGraph    = "graph"
	scopeVelocity = "velocity"
)

var topFields = map[string]factField{
	"transactionId":  {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.TransactionID }},
	"tenantId":       {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.TenantID }},
	"merchantId":     {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.MerchantID }},
	"terminalId":     {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.TerminalID }},
	"panHash":        {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.PANHash }},
	"channel":        {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.Channel }},
	"countryCode":    {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.CountryCode }},
	"currency":       {kindString, cel.StringType, func(f *domain.TransactionFact) any { return f.Currency }},
	"amount":         {kindNumber, cel.DoubleType, func(f *domain.TransactionFact) any { return f.Amount }},
	"mlScore":        {kindNumber, cel.DoubleType, func(f *domain.TransactionFact) any { return f.MLScore }},
	"hourOfDay":      {kindNumber, cel.IntType, func(f *domain.TransactionFact) any { return int64(f.Timestamp.UTC().Hour()) }},
	"decision":       {kindString, cel.StringType, func(f *domain.TransactionFact) any { return string(f.Decision) }},
	"sarRequired":    {kindBool, cel.BoolType, func(f *domain.TransactionFact) any { return f.SARRequired }},
	"ctrRequired":    {kindBool, cel.BoolType, func(f *domain.TransactionFact) any { return f.CTRRequired }},
	"triggeredCount": {kindNumber, cel.IntType, func(f *domain.TransactionFact) any { return int64(len(f.TriggeredRules)) }},
}

var graphFields = map[string]factField{
	"influence_score":  {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Graph.InfluenceScore }},
	"community_id":     {kindString, nil, func(f *domain.TransactionFact) any { return f.Graph.CommunityID }},
	"betweenness":      {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Graph.Betweenness }},
	"connection_count": {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Graph.ConnectionCount }},
}

var velocityFields = map[string]factField{
	"pan_count_1h":       {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANCount1h }},
	"pan_count_24h":      {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANCount24h }},
	"pan_count_7d":       {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANCount7d }},
	"pan_count_30d":      {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANCount30d }},
	"pan_sum_1h":         {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANSum1h }},
	"pan_sum_24h":        {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANSum24h }},
	"pan_sum_7d":         {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANSum7d }},
	"pan_sum_30d":        {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.PANSum30d }},
	"merchant_count_1h":  {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.MerchantCount1h }},
	"merchant_count_24h": {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.MerchantCount24h }},
	"merchant_sum_1h":    {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.MerchantSum1h }},
	"merchant_sum_24h":   {kindNumber, nil, func(f *domain.TransactionFact) any { return f.Velocity.MerchantSum24h }},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// fieldRef is a resolved field path.
type fieldRef struct {
	scope string
	name  string
	field *factField // nil for open scopes (features, facts)
}

func (r fieldRef) String() string {
	if r.scope == scopeFact {
		return r.name
	}
	return r.scope + "." + r.name
}

// kind returns the static kind when known.
func (r fieldRef) kind() valueKind {
	if r.field == nil {
		return kindAny
	}
	return r.field.kind
}

// resolveField parses "amount", "features.x", "facts.x", "graph.x" or "velocity.x".
func resolveField(path string) (fieldRef, error) {
	scope, name, scoped := strings.Cut(path, ".")
	if !scoped {
		f, ok := topFields[path]
		if !ok {
			return fieldRef{}, fmt.Errorf("unknown field %q", path)
		}
		return fieldRef{scope: scopeFact, name: path, field: &f}, nil
	}

	if !identRe.MatchString(name) {
		return fieldRef{}, fmt.Errorf("invalid field name %q", path)
	}

	switch scope {
	case scopeFeatures, scopeFacts:
		return fieldRef{scope: scope, name: name}, nil
	case scopeGraph:
		f, ok := graphFields[name]
		if !ok {
			return fieldRef{}, fmt.Errorf("unknown graph metric %q", name)
		}
		return fieldRef{scope: scope, name: name, field: &f}, nil
	case scopeVelocity:
		f, ok := velocityFields[name]
		if !ok {
			return fieldRef{}, fmt.Errorf("unknown velocity aggregate %q", name)
		}
		return fieldRef{scope: scope, name: name, field: &f}, nil
	default:
		return fieldRef{}, fmt.Errorf("unknown field scope %q", scope)
	}
}

// lookup reads a resolved field from a fact. ok is false when an open-scope
// key is absent.
func (r fieldRef) lookup(f *domain.TransactionFact) (any, bool) {
	switch r.scope {
	case scopeFeatures:
		v, ok := f.Features[r.name]
		return v, ok
	case scopeFacts:
		v, ok := f.Facts[r.name]
		return v, ok
	default:
		return r.field.get(f), true
	}
}

func tableMap(table map[string]factField, f *domain.TransactionFact) map[string]any {
	m := make(map[string]any, len(table))
	for name, field := range table {
		m[name] = field.get(f)
	}
	return m
}
