package domain

import (
	"time"
)

// DefaultTenantID is used when a transaction arrives without a PSP/tenant scope.
const DefaultTenantID = "default"

// Transaction represents an incoming card payment to be screened.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Acceptance context
	MerchantID  string `json:"merchantId"`
	TerminalID  string `json:"terminalId,omitempty"`
	Channel     string `json:"channel,omitempty"` // e.g. "POS", "ECOM", "ATM"
	CountryCode string `json:"countryCode,omitempty"`

	// PANHash is an irreversible fingerprint of the card number.
	PANHash string `json:"panHash"`

	// Financial details. AmountMinor is in the currency's minor unit (cents).
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// CardData holds EMV tags keyed by tag id (e.g. "9F26") with hex values.
	CardData map[string]string `json:"cardData,omitempty"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tenant returns the tenant scope, falling back to DefaultTenantID.
func (t *Transaction) Tenant() string {
	if t == nil || t.TenantID == "" {
		return DefaultTenantID
	}
	return t.TenantID
}

// TransactionRequest is the API request payload for transaction screening.
type TransactionRequest struct {
	ID          string            `json:"id"`
	MerchantID  string            `json:"merchantId"`
	TerminalID  string            `json:"terminalId,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	CountryCode string            `json:"countryCode,omitempty"`
	PANHash     string            `json:"panHash"`
	AmountMinor int64             `json:"amountMinor"`
	Currency    string            `json:"currency,omitempty"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	CardData    map[string]string `json:"cardData,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`

	// MLScore is the opaque model score, when the caller already has it.
	MLScore *float64 `json:"mlScore,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:          r.ID,
		TenantID:    tenantID,
		MerchantID:  r.MerchantID,
		TerminalID:  r.TerminalID,
		Channel:     r.Channel,
		CountryCode: r.CountryCode,
		PANHash:     r.PANHash,
		AmountMinor: r.AmountMinor,
		Currency:    r.Currency,
		Timestamp:   ts,
		CreatedAt:   now,
		CardData:    r.CardData,
		Metadata:    r.Metadata,
	}
}
