// Package api exposes the engine over HTTP: per-tenant health, balances,
// risk state, decisions, position lifecycle and withdrawals, plus the
// WebSocket signal stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/model"
)

// Positions is the part of the position manager the handlers drive.
type Positions interface {
	Open(ctx context.Context, tenant, symbol string, notional decimal.Decimal) (model.Position, error)
	Close(ctx context.Context, tenant, symbol string) (model.Position, error)
	Withdraw(ctx context.Context, tenant, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	Health(ctx context.Context, tenant string) (model.HealthSnapshot, error)
	Decide(ctx context.Context, tenant, symbol string) (model.Decision, error)
	OpenPositions(ctx context.Context, tenant string) ([]model.Position, error)
}

// Balances reads tenant balances.
type Balances interface {
	Balances(ctx context.Context, tenant string) (map[string]decimal.Decimal, error)
}

// RiskStates reads drawdown state.
type RiskStates interface {
	State(ctx context.Context, tenant string) (model.DrawdownState, error)
}

// Service holds the HTTP handlers.
type Service struct {
	positions Positions
	balances  Balances
	risk      RiskStates
	validate  *validator.Validate
}

// NewService creates the handler set.
func NewService(p Positions, b Balances, r RiskStates) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if dec, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := dec.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return &Service{positions: p, balances: b, risk: r, validate: v}
}

// Routes mounts the tenant endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/balances", s.GetBalances)
		r.Get("/risk", s.GetRisk)
		r.Get("/positions", s.ListPositions)
		r.Post("/positions", s.OpenPosition)
		r.Post("/positions/{market}/close", s.ClosePosition)
		r.Post("/decision", s.Decide)
		r.Post("/withdraw", s.Withdraw)
	})
}

// --- Request/Response types ---

// OpenRequest is the body of POST /positions.
type OpenRequest struct {
	Market   string          `json:"market" validate:"required"`
	Notional decimal.Decimal `json:"notional" validate:"gt=0"`
}

// DecisionRequest is the body of POST /decision.
type DecisionRequest struct {
	Market string `json:"market" validate:"required"`
}

// WithdrawRequest is the body of POST /withdraw.
type WithdrawRequest struct {
	Asset  string          `json:"asset" validate:"required,alphanum,max=16"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

// WithdrawResponse reports the projected health the withdrawal passed with.
type WithdrawResponse struct {
	Tenant          string          `json:"tenant"`
	Asset           string          `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	ProjectedHealth decimal.Decimal `json:"projected_health"`
}

// --- HTTP Handlers ---

// GetHealth handles GET /tenants/{tenant}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.positions.Health(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetBalances handles GET /tenants/{tenant}/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	bal, err := s.balances.Balances(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetRisk handles GET /tenants/{tenant}/risk
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	st, err := s.risk.State(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListPositions handles GET /tenants/{tenant}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.OpenPositions(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// OpenPosition handles POST /tenants/{tenant}/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant := chi.URLParam(r, "tenant")
	p, err := s.positions.Open(r.Context(), tenant, req.Market, req.Notional)
	if err != nil {
		slog.Warn("open rejected", "tenant", tenant, "market", req.Market, "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ClosePosition handles POST /tenants/{tenant}/positions/{market}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	tenant, mkt := chi.URLParam(r, "tenant"), chi.URLParam(r, "market")
	p, err := s.positions.Close(r.Context(), tenant, mkt)
	if err != nil {
		slog.Warn("close failed", "tenant", tenant, "market", mkt, "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Decide handles POST /tenants/{tenant}/decision
func (s *Service) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	dec, err := s.positions.Decide(r.Context(), chi.URLParam(r, "tenant"), req.Market)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// Withdraw handles POST /tenants/{tenant}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant := chi.URLParam(r, "tenant")
	health, err := s.positions.Withdraw(r.Context(), tenant, req.Asset, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		Tenant:          tenant,
		Asset:           strings.ToUpper(req.Asset),
		Amount:          req.Amount,
		ProjectedHealth: health,
	})
}

// decode parses and validates a JSON body, writing the error response
// itself when it fails.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			writeMessage(w, strings.Join(msgs, "; "), http.StatusUnprocessableEntity)
			return false
		}
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyHalted),
		errors.Is(err, model.ErrLockConflict),
		errors.Is(err, model.ErrPositionExists),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrResidualExposure):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrLeverageExceeded),
		errors.Is(err, model.ErrHealthBelowThreshold),
		errors.Is(err, model.ErrCapitalShareExceed),
		errors.Is(err, model.ErrSimulationFailed),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidSymbol),
		errors.Is(err, market.ErrInvalidKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStaleOrMissingQuote):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrSubmissionTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeMessage(w, err.Error(), status)
}

// writeMessage writes a JSON error response.
func writeMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}
