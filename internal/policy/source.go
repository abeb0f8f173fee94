package policy

import (
	"context"

	"dripgate/internal/whitelist"
)

// WhitelistSource adapts the file-backed whitelist to the eligibility
// source contract. Local lookups cannot fail.
type WhitelistSource struct {
	Store *whitelist.Store
}

func (w WhitelistSource) Approved(_ context.Context, identity, address string) (bool, error) {
	return w.Store.Approved(identity, address), nil
}
