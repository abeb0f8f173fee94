package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config is the live disbursement policy. Mutable only through
// ConfigStore.Update; every reader gets a consistent snapshot.
type Config struct {
	AmountWei        *big.Int
	Cooldown         time.Duration
	MaxAddresses     int
	ChainID          int64
	GasMarginPercent int
	FallbackGasLimit uint64
}

func (c Config) clone() Config {
	cp := c
	cp.AmountWei = new(big.Int).Set(c.AmountWei)
	return cp
}

func (c Config) validate() error {
	if c.AmountWei == nil || c.AmountWei.Sign() <= 0 {
		return errors.New("claim amount must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	if c.MaxAddresses <= 0 {
		return errors.New("max addresses per identity must be positive")
	}
	if c.GasMarginPercent < 100 {
		return errors.New("gas margin percent must be >= 100")
	}
	if c.FallbackGasLimit < 21000 {
		return errors.New("fallback gas limit below intrinsic transfer cost")
	}
	return nil
}

type configFile struct {
	AmountWei        string `json:"amountWei"`
	CooldownSeconds  int64  `json:"cooldownSeconds"`
	MaxAddresses     int    `json:"maxAddresses"`
	ChainID          int64  `json:"chainId"`
	GasMarginPercent int    `json:"gasMarginPercent"`
	FallbackGasLimit uint64 `json:"fallbackGasLimit"`
}

// ConfigStore owns the live policy. Updates persist to disk so an
// admin-adjusted amount survives restart.
type ConfigStore struct {
	path string

	mu      sync.RWMutex
	current Config
}

// NewConfigStore starts from the provided defaults, overridden by the
// persisted file when one exists.
func NewConfigStore(path string, defaults Config) (*ConfigStore, error) {
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("policy defaults: %w", err)
	}
	cs := &ConfigStore{path: path, current: defaults.clone()}

	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	var file configFile
	if err := json.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	loaded, err := file.toConfig()
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	cs.current = loaded
	return cs, nil
}

func (f configFile) toConfig() (Config, error) {
	amount, ok := new(big.Int).SetString(f.AmountWei, 10)
	if !ok {
		return Config{}, fmt.Errorf("invalid amount: %s", f.AmountWei)
	}
	cfg := Config{
		AmountWei:        amount,
		Cooldown:         time.Duration(f.CooldownSeconds) * time.Second,
		MaxAddresses:     f.MaxAddresses,
		ChainID:          f.ChainID,
		GasMarginPercent: f.GasMarginPercent,
		FallbackGasLimit: f.FallbackGasLimit,
	}
	return cfg, cfg.validate()
}

// Current returns a consistent snapshot of the policy.
func (cs *ConfigStore) Current() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.current.clone()
}

// Update applies mutate to a copy of the current policy, validates the
// result, persists it, and only then makes it visible to readers.
func (cs *ConfigStore) Update(mutate func(*Config)) (Config, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	next := cs.current.clone()
	mutate(&next)
	if err := next.validate(); err != nil {
		return Config{}, err
	}
	if err := cs.persist(next); err != nil {
		return Config{}, fmt.Errorf("persist policy: %w", err)
	}
	cs.current = next
	return next.clone(), nil
}

func (cs *ConfigStore) persist(cfg Config) error {
	if cs.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cs.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(configFile{
		AmountWei:        cfg.AmountWei.String(),
		CooldownSeconds:  int64(cfg.Cooldown / time.Second),
		MaxAddresses:     cfg.MaxAddresses,
		ChainID:          cfg.ChainID,
		GasMarginPercent: cfg.GasMarginPercent,
		FallbackGasLimit: cfg.FallbackGasLimit,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cs.path, blob, 0o600)
}
