package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"dripgate/internal/adminauth"
	"dripgate/internal/config"
	"dripgate/internal/disburse"
	"dripgate/internal/engine"
	"dripgate/internal/policy"
	"dripgate/internal/whitelist"
)

// Server is the HTTP surface in front of the claim engine. The chat
// front-end (or any other caller) talks to these endpoints; the admin
// endpoints are HMAC-gated.
type Server struct {
	cfg        *config.AppConfig
	coord      *engine.Coordinator
	policyCfg  *policy.ConfigStore
	wl         *whitelist.Store
	balanceFn  func(context.Context) (*big.Int, error)
	rpcHealth  func(context.Context) error
	dbHealth   func(context.Context) error
	admin      *adminauth.Verifier
	metrics    *metricsRegistry
	httpServer *http.Server
	log        zerolog.Logger
}

type Options struct {
	Config       *config.AppConfig
	Coordinator  *engine.Coordinator
	PolicyConfig *policy.ConfigStore
	Whitelist    *whitelist.Store
	Balance      func(context.Context) (*big.Int, error)
	RPCHealth    func(context.Context) error
	LedgerHealth func(context.Context) error
	Logger       zerolog.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		coord:     opts.Coordinator,
		policyCfg: opts.PolicyConfig,
		wl:        opts.Whitelist,
		balanceFn: opts.Balance,
		rpcHealth: opts.RPCHealth,
		dbHealth:  opts.LedgerHealth,
		admin: &adminauth.Verifier{
			Secret:  opts.Config.Service.AdminSecret,
			MaxSkew: opts.Config.Service.AdminClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/claims", s.handleClaim)
	mux.HandleFunc("/api/v1/claims/status", s.handleStatus)
	mux.HandleFunc("/api/v1/faucet/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/access-requests", s.handleAccessRequest)

	gated := s.admin.Middleware
	mux.Handle("/api/v1/admin/whitelist", gated(http.HandlerFunc(s.handleWhitelistList)))
	mux.Handle("/api/v1/admin/whitelist/identities", gated(http.HandlerFunc(s.handleIdentities)))
	mux.Handle("/api/v1/admin/whitelist/addresses", gated(http.HandlerFunc(s.handleAddresses)))
	mux.Handle("/api/v1/admin/access-requests", gated(http.HandlerFunc(s.handlePendingRequests)))
	mux.Handle("/api/v1/admin/policy", gated(http.HandlerFunc(s.handlePolicy)))

	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Config.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type claimRequest struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

type claimResponse struct {
	Status            string `json:"status"`
	RequestID         string `json:"requestId,omitempty"`
	TxRef             string `json:"txRef,omitempty"`
	Address           string `json:"address,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload claimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	res, err := s.coord.RequestClaim(r.Context(), payload.Identity, payload.Address)
	if err != nil {
		s.writeClaimFailure(w, res, err)
		return
	}

	if !res.Decision.Allowed {
		s.metrics.incClaim("denied")
		s.writeDenial(w, res)
		return
	}

	s.metrics.incClaim("completed")
	s.metrics.incDisbursement("sent")
	writeJSON(w, http.StatusCreated, claimResponse{
		Status:    "completed",
		RequestID: res.RequestID,
		TxRef:     res.TxRef,
		Address:   res.Decision.Address,
	})
}

func (s *Server) writeDenial(w http.ResponseWriter, res engine.Result) {
	resp := claimResponse{
		Status:    "denied",
		RequestID: res.RequestID,
		Address:   res.Decision.Address,
		Reason:    string(res.Decision.Reason),
	}

	status := http.StatusForbidden
	switch res.Decision.Reason {
	case policy.DenyInvalidAddress:
		status = http.StatusBadRequest
	case policy.DenyAddressOnCooldown, policy.DenyIdentityCapReached:
		status = http.StatusTooManyRequests
	case policy.DenyUnavailable:
		status = http.StatusServiceUnavailable
	}
	if res.Decision.RetryAfter > 0 {
		resp.RetryAfterSeconds = int64(res.Decision.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeClaimFailure(w http.ResponseWriter, res engine.Result, err error) {
	if errors.Is(err, engine.ErrUnrecorded) {
		// funds moved but were not recorded; the caller must not retry
		s.metrics.incClaim("unrecorded")
		s.metrics.incDisbursement("unrecorded")
		s.metrics.setUnrecordedDepth(s.coord.JournalDepth())
		writeJSON(w, http.StatusInternalServerError, claimResponse{
			Status:    "error",
			RequestID: res.RequestID,
			TxRef:     res.TxRef,
			Error:     "transfer sent but not recorded, contact support",
		})
		return
	}

	class := disburse.ClassOf(err)
	s.metrics.incClaim("failed")
	s.metrics.incDisbursement(class.String())

	switch class {
	case disburse.ClassRetryable:
		writeJSON(w, http.StatusServiceUnavailable, claimResponse{
			Status: "error", RequestID: res.RequestID,
			Error: "network temporarily unavailable, try again later",
		})
	case disburse.ClassFatal:
		writeJSON(w, http.StatusInternalServerError, claimResponse{
			Status: "error", RequestID: res.RequestID,
			Error: "faucet misconfigured, contact support",
		})
	default:
		writeJSON(w, http.StatusBadGateway, claimResponse{
			Status: "error", RequestID: res.RequestID,
			Error: "transfer outcome unknown, contact support before retrying",
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.URL.Query().Get("identity")
	address := r.URL.Query().Get("address")
	if identity == "" || address == "" {
		http.Error(w, "identity and address are required", http.StatusBadRequest)
		return
	}

	st, err := s.coord.Status(r.Context(), identity, address)
	if errors.Is(err, engine.ErrInvalidAddress) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Address                  string `json:"address"`
		Eligible                 bool   `json:"eligible"`
		CooldownRemainingSeconds int64  `json:"cooldownRemainingSeconds"`
		AddressesUsed            int    `json:"addressesUsed"`
		AddressesAllowed         int    `json:"addressesAllowed"`
	}{
		Address:                  st.Address,
		Eligible:                 st.CooldownRemaining == 0 && st.AddressesUsed < st.AddressesAllowed,
		CooldownRemainingSeconds: int64(st.CooldownRemaining / time.Second),
		AddressesUsed:            st.AddressesUsed,
		AddressesAllowed:         st.AddressesAllowed,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.balanceFn == nil {
		http.Error(w, "chain client not configured", http.StatusServiceUnavailable)
		return
	}
	bal, err := s.balanceFn(r.Context())
	if err != nil {
		http.Error(w, "balance unavailable: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balanceWei": bal.String()})
}

type identityRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload identityRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	switch err := s.wl.Request(payload.Identity); {
	case errors.Is(err, whitelist.ErrIdentityExists):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_whitelisted"})
	case errors.Is(err, whitelist.ErrRequestPending):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_pending"})
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}

func (s *Server) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": s.wl.Entries()})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	var payload identityRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.wl.AddIdentity(payload.Identity); err != nil {
			writeWhitelistError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
	case http.MethodDelete:
		if err := s.wl.RemoveIdentity(payload.Identity); err != nil {
			writeWhitelistError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type addressRequest struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	var payload addressRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	canonical, ok := policy.CanonicalAddress(payload.Address)
	if !ok {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if payload.Identity == "" {
			http.Error(w, "identity is required", http.StatusBadRequest)
			return
		}
		if err := s.wl.AddAddress(payload.Identity, canonical); err != nil {
			writeWhitelistError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "address": canonical})
	case http.MethodDelete:
		if err := s.wl.RemoveAddress(canonical); err != nil {
			writeWhitelistError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeWhitelistError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, whitelist.ErrIdentityUnknown), errors.Is(err, whitelist.ErrAddressUnknown):
		status = http.StatusNotFound
	case errors.Is(err, whitelist.ErrIdentityExists), errors.Is(err, whitelist.ErrAddressExists),
		errors.Is(err, whitelist.ErrWalletLimit):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": s.wl.Pending()})
}

type policyUpdateRequest struct {
	AmountWei        *string `json:"amountWei"`
	CooldownSeconds  *int64  `json:"cooldownSeconds"`
	MaxAddresses     *int    `json:"maxAddresses"`
	GasMarginPercent *int    `json:"gasMarginPercent"`
	FallbackGasLimit *uint64 `json:"fallbackGasLimit"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writePolicy(w, http.StatusOK, s.policyCfg.Current())
	case http.MethodPut:
		var payload policyUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json payload", http.StatusBadRequest)
			return
		}

		var parseErr error
		updated, err := s.policyCfg.Update(func(c *policy.Config) {
			if payload.AmountWei != nil {
				amount, ok := new(big.Int).SetString(*payload.AmountWei, 10)
				if !ok {
					parseErr = fmt.Errorf("invalid amountWei: %s", *payload.AmountWei)
					return
				}
				c.AmountWei = amount
			}
			if payload.CooldownSeconds != nil {
				c.Cooldown = time.Duration(*payload.CooldownSeconds) * time.Second
			}
			if payload.MaxAddresses != nil {
				c.MaxAddresses = *payload.MaxAddresses
			}
			if payload.GasMarginPercent != nil {
				c.GasMarginPercent = *payload.GasMarginPercent
			}
			if payload.FallbackGasLimit != nil {
				c.FallbackGasLimit = *payload.FallbackGasLimit
			}
		})
		if parseErr != nil {
			http.Error(w, parseErr.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Info().Str("amountWei", updated.AmountWei.String()).Msg("policy updated")
		writePolicy(w, http.StatusOK, updated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writePolicy(w http.ResponseWriter, status int, cfg policy.Config) {
	writeJSON(w, status, struct {
		AmountWei        string `json:"amountWei"`
		CooldownSeconds  int64  `json:"cooldownSeconds"`
		MaxAddresses     int    `json:"maxAddresses"`
		ChainID          int64  `json:"chainId"`
		GasMarginPercent int    `json:"gasMarginPercent"`
		FallbackGasLimit uint64 `json:"fallbackGasLimit"`
	}{
		AmountWei:        cfg.AmountWei.String(),
		CooldownSeconds:  int64(cfg.Cooldown / time.Second),
		MaxAddresses:     cfg.MaxAddresses,
		ChainID:          cfg.ChainID,
		GasMarginPercent: cfg.GasMarginPercent,
		FallbackGasLimit: cfg.FallbackGasLimit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealth(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	ledgerInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealth(dbCtx); err != nil {
			ledgerInfo.Connected = false
			ledgerInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	unrecorded := s.coord.JournalDepth()
	s.metrics.setUnrecordedDepth(unrecorded)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Ledger     interface{} `json:"ledger"`
		Unrecorded int         `json:"unrecorded_disbursements"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Ledger:     ledgerInfo,
		Unrecorded: unrecorded,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
