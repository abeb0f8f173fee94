// Package policy decides whether a (identity, address) pair may claim
// right now. It never causes side effects; enforcement of its decisions is
// the coordinator's job.
package policy

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"dripgate/internal/ledger"
)

// Reason explains a denial.
type Reason string

const (
	DenyInvalidAddress     Reason = "invalid_address"
	DenyNotWhitelisted     Reason = "not_whitelisted"
	DenyAddressOnCooldown  Reason = "address_on_cooldown"
	DenyIdentityCapReached Reason = "identity_cap_reached"
	DenyUnavailable        Reason = "temporarily_unavailable"
)

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAfter is set for cooldown denials: how long until the address
	// becomes eligible again.
	RetryAfter time.Duration
	// Address is the canonical form of the requested address, set whenever
	// the input passed format validation.
	Address string
}

func deny(reason Reason) Decision { return Decision{Reason: reason} }

// EligibilitySource answers whether a destination is pre-approved for an
// identity. Implemented by the whitelist store and by the on-chain oracle.
type EligibilitySource interface {
	Approved(ctx context.Context, identity, address string) (bool, error)
}

// Engine evaluates claims against the ledger and the live policy.
type Engine struct {
	cfg    *ConfigStore
	store  ledger.Store
	source EligibilitySource
	log    zerolog.Logger
}

func NewEngine(cfg *ConfigStore, store ledger.Store, source EligibilitySource, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, source: source, log: log}
}

// CanonicalAddress validates the raw address text and returns the single
// canonical form used everywhere in the engine: lower-case 0x-prefixed hex.
// Mixing canonicalizations lets one address dodge its cooldown, so every
// ledger key and whitelist entry goes through here.
func CanonicalAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(raw).Hex()), true
}

// Evaluate applies the checks in order, short-circuiting on the first
// denial. A single now and a single policy snapshot are captured up front
// so no check observes a different clock or config than its siblings.
func (e *Engine) Evaluate(ctx context.Context, identity, rawAddress string, now time.Time) Decision {
	return e.EvaluateWithConfig(ctx, e.cfg.Current(), identity, rawAddress, now)
}

// EvaluateWithConfig is Evaluate against a caller-supplied snapshot, for
// callers that need the same snapshot to also govern the disbursement.
func (e *Engine) EvaluateWithConfig(ctx context.Context, cfg Config, identity, rawAddress string, now time.Time) Decision {
	address, ok := CanonicalAddress(rawAddress)
	if !ok {
		return deny(DenyInvalidAddress)
	}

	approved, err := e.source.Approved(ctx, identity, address)
	if err != nil {
		// fail closed on ambiguity
		e.log.Warn().Err(err).Str("identity", identity).Str("address", address).
			Msg("eligibility source unavailable, denying")
		return Decision{Reason: DenyUnavailable, Address: address}
	}
	if !approved {
		return Decision{Reason: DenyNotWhitelisted, Address: address}
	}

	last, claimed, err := e.store.LastClaimByAddress(ctx, address)
	if err != nil {
		e.log.Warn().Err(err).Str("address", address).Msg("ledger unavailable, denying")
		return Decision{Reason: DenyUnavailable, Address: address}
	}
	if claimed {
		if elapsed := now.Sub(last); elapsed < cfg.Cooldown {
			return Decision{
				Reason:     DenyAddressOnCooldown,
				RetryAfter: cfg.Cooldown - elapsed,
				Address:    address,
			}
		}
	}

	recent, err := e.store.RecentClaimsByIdentity(ctx, identity, now.Add(-cfg.Cooldown))
	if err != nil {
		e.log.Warn().Err(err).Str("identity", identity).Msg("ledger unavailable, denying")
		return Decision{Reason: DenyUnavailable, Address: address}
	}
	if distinctAddresses(recent) >= cfg.MaxAddresses {
		return Decision{Reason: DenyIdentityCapReached, Address: address}
	}

	return Decision{Allowed: true, Address: address}
}

func distinctAddresses(records []ledger.Record) int {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.Address] = struct{}{}
	}
	return len(seen)
}
