package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// allowlistABI is the read-only predicate the dispenser consults when a
// deployment delegates eligibility to an on-chain contract.
const allowlistABI = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"isApproved","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

// AllowlistOracle answers eligibility checks against a deployed allow-list
// contract. The identity is irrelevant here: the contract approves
// addresses, not requesters.
type AllowlistOracle struct {
	contract *bind.BoundContract
	timeout  time.Duration
}

func NewAllowlistOracle(client *EthClient, contractAddress string, timeout time.Duration) (*AllowlistOracle, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid allowlist contract address: %s", contractAddress)
	}
	parsedABI, err := abi.JSON(strings.NewReader(allowlistABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	bound := bind.NewBoundContract(common.HexToAddress(contractAddress), parsedABI, client.Raw(), nil, nil)
	return &AllowlistOracle{contract: bound, timeout: timeout}, nil
}

func (o *AllowlistOracle) Approved(ctx context.Context, _ string, address string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var out []interface{}
	err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isApproved", common.HexToAddress(address))
	if err != nil {
		return false, fmt.Errorf("allowlist call: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("allowlist call: unexpected output arity %d", len(out))
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("allowlist call: unexpected output type %T", out[0])
	}
	return approved, nil
}
