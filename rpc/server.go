package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harbor/core/state"
	"harbor/native/bridge"
	nativecommon "harbor/native/common"
	"harbor/native/loanpool"
	"harbor/native/oracle"
	"harbor/observability"
)

// Server exposes the custody core over HTTP. All mutating endpoints carry
// signed envelopes; the server never accepts a caller-supplied funding source.
type Server struct {
	log     *slog.Logger
	state   *state.Manager
	bridge  *bridge.Engine
	pool    *loanpool.Engine
	agg     *oracle.Aggregator
	auth    *bridge.Authorizer
	chainID uint64
}

// NewServer wires the HTTP surface to the engines and state manager.
func NewServer(log *slog.Logger, manager *state.Manager, bridgeEngine *bridge.Engine, poolEngine *loanpool.Engine, agg *oracle.Aggregator, chainID uint64) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log,
		state:   manager,
		bridge:  bridgeEngine,
		pool:    poolEngine,
		agg:     agg,
		auth:    bridge.NewAuthorizer(),
		chainID: chainID,
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/bridge", func(r chi.Router) {
			r.Post("/deposits", s.handleBridgeDeposit)
			r.Get("/deposits", s.handleBridgeDepositList)
			r.Get("/deposits/{id}", s.handleBridgeDepositByID)
			r.Post("/withdrawals", s.handleBridgeWithdraw)
			r.Get("/nonces/{address}", s.handleBridgeNonces)
			r.Get("/vault", s.handleBridgeVault)
		})
		r.Route("/pool", func(r chi.Router) {
			r.Post("/deposits", s.handlePoolDeposit)
			r.Post("/redemptions", s.handlePoolRedeem)
			r.Get("/{asset}", s.handlePoolStatus)
			r.Get("/{asset}/shares/{address}", s.handlePoolShares)
		})
		r.Get("/oracle/health", s.handleOracleHealth)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, module, method string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "module", module, "method", method, "error", err.Error())
	} else {
		s.log.Warn("request rejected", "module", module, "method", method, "error", err.Error())
	}
	switch module {
	case "bridge":
		observability.Bridge().ObserveRejection(method, reasonFor(err))
	case "loanpool":
		observability.LoanPool().ObserveRejection(method, reasonFor(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, bridge.ErrExpiredAuthorization):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrNonceMismatch):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrDepositLimitExceeded),
		errors.Is(err, loanpool.ErrSelfDepositDuringLoan),
		errors.Is(err, loanpool.ErrSessionOpen),
		errors.Is(err, loanpool.ErrInsufficientPoolBalance),
		errors.Is(err, loanpool.ErrNotRepaid),
		errors.Is(err, oracle.ErrPriceOutOfBounds),
		errors.Is(err, oracle.ErrStaleQuote):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, bridge.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, bridge.ErrExpiredAuthorization):
		return "expired"
	case errors.Is(err, bridge.ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, bridge.ErrDepositLimitExceeded):
		return "deposit_limit"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, loanpool.ErrSelfDepositDuringLoan), errors.Is(err, loanpool.ErrSessionOpen):
		return "session_open"
	case errors.Is(err, loanpool.ErrInsufficientPoolBalance):
		return "insufficient_pool"
	case errors.Is(err, errBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}

var errBadRequest = errors.New("rpc: bad request")

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}
