// Package engine orchestrates a claim end to end: policy evaluation,
// disbursement, and the ledger write, under per-address and per-identity
// critical sections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"dripgate/internal/disburse"
	"dripgate/internal/events"
	"dripgate/internal/ledger"
	"dripgate/internal/policy"
)

// ErrUnrecorded marks the dangerous terminal state: funds left the wallet
// but the ledger write failed after retries. The address is effectively
// uncounted until an operator reconciles the journal.
var ErrUnrecorded = errors.New("disbursement sent but not recorded")

// ErrInvalidAddress is returned by Status for malformed input.
var ErrInvalidAddress = errors.New("invalid address")

// Sender is the disbursement surface the coordinator drives. Implemented
// by *disburse.Executor.
type Sender interface {
	Send(ctx context.Context, destination string, amount *big.Int, p disburse.Params) (string, error)
}

// Result is the outcome of one claim request.
type Result struct {
	RequestID string
	Decision  policy.Decision
	TxRef     string
}

// Options configures a Coordinator.
type Options struct {
	Policy        *policy.Engine
	Config        *policy.ConfigStore
	Ledger        ledger.Store
	Sender        Sender
	Emitter       events.Emitter
	Clock         clockwork.Clock
	JournalDir    string
	AppendRetries int
	AppendBackoff time.Duration
	Logger        zerolog.Logger
}

type Coordinator struct {
	policy        *policy.Engine
	cfg           *policy.ConfigStore
	store         ledger.Store
	sender        Sender
	emitter       events.Emitter
	clock         clockwork.Clock
	journal       *journal
	locks         *keyedMutex
	appendRetries int
	appendBackoff time.Duration
	log           zerolog.Logger
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Emitter == nil {
		opts.Emitter = events.NopEmitter{}
	}
	if opts.AppendRetries <= 0 {
		opts.AppendRetries = 3
	}
	if opts.AppendBackoff <= 0 {
		opts.AppendBackoff = 500 * time.Millisecond
	}
	return &Coordinator{
		policy:        opts.Policy,
		cfg:           opts.Config,
		store:         opts.Ledger,
		sender:        opts.Sender,
		emitter:       opts.Emitter,
		clock:         opts.Clock,
		journal:       &journal{dir: opts.JournalDir, log: opts.Logger},
		locks:         newKeyedMutex(),
		appendRetries: opts.AppendRetries,
		appendBackoff: opts.AppendBackoff,
		log:           opts.Logger,
	}
}

// RequestClaim runs one claim. Denials come back as a Result with a nil
// error and cause no side effects. A non-nil error is a send or recording
// failure; use disburse.ClassOf and errors.Is(err, ErrUnrecorded) to tell
// them apart.
func (c *Coordinator) RequestClaim(ctx context.Context, identity, rawAddress string) (Result, error) {
	res := Result{RequestID: uuid.NewString()}

	address, ok := policy.CanonicalAddress(rawAddress)
	if !ok {
		res.Decision = policy.Decision{Reason: policy.DenyInvalidAddress}
		return res, nil
	}

	// the cooldown check and the eventual append for this address (and the
	// cap check for this identity) form one critical section
	unlock := c.locks.lock("addr:"+address, "id:"+identity)
	defer unlock()

	now := c.clock.Now().UTC()
	cfg := c.cfg.Current()

	res.Decision = c.policy.EvaluateWithConfig(ctx, cfg, identity, rawAddress, now)
	if !res.Decision.Allowed {
		c.log.Info().
			Str("requestId", res.RequestID).
			Str("identity", identity).
			Str("address", address).
			Str("reason", string(res.Decision.Reason)).
			Msg("claim denied")
		return res, nil
	}

	txRef, err := c.sender.Send(ctx, address, cfg.AmountWei, disburse.Params{
		ChainID:          cfg.ChainID,
		GasMarginPercent: cfg.GasMarginPercent,
		FallbackGasLimit: cfg.FallbackGasLimit,
	})
	if err != nil {
		c.log.Error().Err(err).
			Str("requestId", res.RequestID).
			Str("identity", identity).
			Str("address", address).
			Str("class", disburse.ClassOf(err).String()).
			Msg("disbursement failed")
		return res, err
	}
	res.TxRef = txRef

	rec := ledger.Record{
		Identity:  identity,
		Address:   address,
		ClaimedAt: now,
		TxRef:     txRef,
	}
	if err := c.appendWithRetry(ctx, rec); err != nil {
		c.journal.write(res.RequestID, rec, err)
		c.log.Error().Err(err).
			Str("requestId", res.RequestID).
			Str("identity", identity).
			Str("address", address).
			Str("txRef", txRef).
			Bool("fundsSent", true).
			Msg("ALERT: disbursement sent but not recorded, manual reconciliation required")
		c.emit(events.KindUnrecorded, res.RequestID, rec, cfg.AmountWei)
		return res, fmt.Errorf("%w: %v", ErrUnrecorded, err)
	}

	c.log.Info().
		Str("requestId", res.RequestID).
		Str("identity", identity).
		Str("address", address).
		Str("txRef", txRef).
		Msg("claim completed")
	c.emit(events.KindClaim, res.RequestID, rec, cfg.AmountWei)
	return res, nil
}

func (c *Coordinator) appendWithRetry(ctx context.Context, rec ledger.Record) error {
	var err error
	for attempt := 1; attempt <= c.appendRetries; attempt++ {
		if err = c.store.Append(ctx, rec); err == nil {
			return nil
		}
		if attempt < c.appendRetries {
			c.clock.Sleep(c.appendBackoff)
		}
	}
	return err
}

func (c *Coordinator) emit(kind, requestID string, rec ledger.Record, amount *big.Int) {
	err := c.emitter.Emit(events.ClaimEvent{
		Kind:      kind,
		RequestID: requestID,
		Identity:  rec.Identity,
		Address:   rec.Address,
		AmountWei: amount.String(),
		TxRef:     rec.TxRef,
		ClaimedAt: rec.ClaimedAt,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("requestId", requestID).Msg("event emit failed")
	}
}

// Status describes where an (identity, address) pair stands without
// causing any side effects.
type Status struct {
	Address           string        `json:"address"`
	CooldownRemaining time.Duration `json:"-"`
	AddressesUsed     int           `json:"addressesUsed"`
	AddressesAllowed  int           `json:"addressesAllowed"`
}

func (c *Coordinator) Status(ctx context.Context, identity, rawAddress string) (Status, error) {
	address, ok := policy.CanonicalAddress(rawAddress)
	if !ok {
		return Status{}, ErrInvalidAddress
	}

	now := c.clock.Now().UTC()
	cfg := c.cfg.Current()

	st := Status{Address: address, AddressesAllowed: cfg.MaxAddresses}

	last, claimed, err := c.store.LastClaimByAddress(ctx, address)
	if err != nil {
		return Status{}, err
	}
	if claimed {
		if remaining := cfg.Cooldown - now.Sub(last); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}

	recent, err := c.store.RecentClaimsByIdentity(ctx, identity, now.Add(-cfg.Cooldown))
	if err != nil {
		return Status{}, err
	}
	seen := make(map[string]struct{})
	for _, rec := range recent {
		seen[rec.Address] = struct{}{}
	}
	st.AddressesUsed = len(seen)

	return st, nil
}

// JournalDepth reports how many unreconciled disbursements are waiting on
// disk.
func (c *Coordinator) JournalDepth() int {
	return c.journal.depth()
}
