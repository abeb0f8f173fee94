// Package events publishes completed-claim and escalation events for
// downstream consumers (dashboards, reconciliation tooling).
package events

import "time"

const (
	KindClaim = "claim_completed"
	// KindUnrecorded flags a disbursement that left the wallet but could
	// not be written to the ledger. These need manual reconciliation.
	KindUnrecorded = "claim_unrecorded"
)

type ClaimEvent struct {
	Kind      string    `json:"kind"`
	RequestID string    `json:"requestId"`
	Identity  string    `json:"identity"`
	Address   string    `json:"address"`
	AmountWei string    `json:"amountWei"`
	TxRef     string    `json:"txRef"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Emitter delivers claim events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(event ClaimEvent) error
	Close() error
}

// NopEmitter drops everything. Used when no broker is configured.
type NopEmitter struct{}

func (NopEmitter) Emit(ClaimEvent) error { return nil }
func (NopEmitter) Close() error          { return nil }
