package domain

import (
	"math/big"
	"strings"
)

// TransferEvent is a single token transfer observed on the ledger.
// Addresses are lower-cased 0x-prefixed hex strings.
type TransferEvent struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	LogIndex    uint     `json:"log_index"`
}

// NormalizeAddress lower-cases and trims a hex address for case-insensitive comparison.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Merchant is the subset of the merchant account this service reads.
// Merchant accounts are owned by another service.
type Merchant struct {
	ID            string  `json:"id"`
	WebhookURL    *string `json:"webhook_url,omitempty"`
	WebhookSecret *string `json:"-"`
	APISecret     string  `json:"-"`
}

// SigningSecret returns the dedicated webhook secret, falling back to the API secret.
func (m *Merchant) SigningSecret() string {
	if m.WebhookSecret != nil && strings.TrimSpace(*m.WebhookSecret) != "" {
		return *m.WebhookSecret
	}
	return m.APISecret
}

// HasWebhook reports whether the merchant registered an endpoint.
func (m *Merchant) HasWebhook() bool {
	return m.WebhookURL != nil && strings.TrimSpace(*m.WebhookURL) != ""
}
