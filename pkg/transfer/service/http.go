package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/trichain-bridge/pkg/app/errors"
	apphttp "github.com/chainsafe/trichain-bridge/pkg/app/http"
	"github.com/chainsafe/trichain-bridge/pkg/auth"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const maxBodyBytes = 1 << 20

// CreateTransferRequest is the body of POST /transfers.
type CreateTransferRequest struct {
	ID                 string           `json:"id,omitempty" validate:"omitempty,max=64"`
	SourceChain        transfer.ChainID `json:"source_chain" validate:"required,oneof=evm settlement fast"`
	DestinationChain   transfer.ChainID `json:"destination_chain" validate:"required,oneof=evm settlement fast,nefield=SourceChain"`
	Amount             decimal.Decimal  `json:"amount"`
	SourceAccount      string           `json:"source_account" validate:"required"`
	DestinationAccount string           `json:"destination_account" validate:"required"`
	Memo               string           `json:"memo,omitempty" validate:"max=34"`
	// Wait blocks the request until the transfer is terminal.
	Wait bool `json:"wait"`
}

// ResolveRequest is the body of POST /transfers/{id}/resolve.
type ResolveRequest struct {
	Note string `json:"note" validate:"required,max=1024"`
}

// TransfersResponse lists outcomes.
type TransfersResponse struct {
	Transfers []*transfer.Outcome `json:"transfers"`
}

// FailuresResponse lists dropped relay jobs.
type FailuresResponse struct {
	Failures []*relayqueue.Failure `json:"failures"`
}

// HTTP wraps the Service to provide HTTP endpoints
type HTTP struct {
	service  Service
	validate *validator.Validate
	logger   *zap.Logger
}

// RouteOption configures RegisterRoutes.
type RouteOption func(*routeConfig)

type routeConfig struct {
	validator *auth.JWTValidator
}

// WithAuth requires operator tokens on every route that moves or resolves value.
func WithAuth(v *auth.JWTValidator) RouteOption {
	return func(c *routeConfig) { c.validator = v }
}

// RegisterRoutes registers the transfer endpoints on the given chi router
func RegisterRoutes(r chi.Router, service Service, logger *zap.Logger, opts ...RouteOption) {
	var cfg routeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &HTTP{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}

	guard := func(scope string) chi.Router {
		if cfg.validator == nil {
			return r
		}
		return r.With(auth.Middleware(cfg.validator, scope))
	}

	guard(auth.ScopeTransfer).Post("/transfers", apphttp.HandleError(h.createTransfer))
	r.Get("/transfers", apphttp.HandleError(h.listTransfers))
	r.Get("/transfers/{id}", apphttp.HandleError(h.getTransfer))
	guard(auth.ScopeTransfer).Post("/transfers/{id}/cancel", apphttp.HandleError(h.cancelTransfer))
	guard(auth.ScopeResolve).Post("/transfers/{id}/resolve", apphttp.HandleError(h.resolveTransfer))
	r.Get("/relay/failures", apphttp.HandleError(h.listRelayFailures))
}

func (h *HTTP) createTransfer(w http.ResponseWriter, r *http.Request) error {
	var req CreateTransferRequest
	if err := h.decode(r, &req); err != nil {
		return err
	}

	out, err := h.service.StartTransfer(r.Context(), transfer.Request{
		ID:                 req.ID,
		SourceChain:        req.SourceChain,
		DestinationChain:   req.DestinationChain,
		Amount:             req.Amount,
		SourceAccount:      req.SourceAccount,
		DestinationAccount: req.DestinationAccount,
		Memo:               req.Memo,
	}, req.Wait)
	if err != nil {
		return withOutcome(err, out)
	}

	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	return apphttp.WriteJSON(w, status, out)
}

func (h *HTTP) listTransfers(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryLimit(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	outs, err := h.service.ListTransfers(r.Context(), db.OutcomeFilter{
		Route:  q.Get("route"),
		Status: transfer.Status(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	if outs == nil {
		outs = []*transfer.Outcome{}
	}
	return apphttp.WriteJSON(w, http.StatusOK, &TransfersResponse{Transfers: outs})
}

func (h *HTTP) getTransfer(w http.ResponseWriter, r *http.Request) error {
	out, err := h.service.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return apphttp.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) cancelTransfer(w http.ResponseWriter, r *http.Request) error {
	out, err := h.service.CancelTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return withOutcome(err, out)
	}
	return apphttp.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) resolveTransfer(w http.ResponseWriter, r *http.Request) error {
	var req ResolveRequest
	if err := h.decode(r, &req); err != nil {
		return err
	}
	operator := auth.OperatorFromContext(r.Context())
	out, err := h.service.ResolveTransfer(r.Context(), chi.URLParam(r, "id"), operator, req.Note)
	if err != nil {
		return err
	}
	return apphttp.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) listRelayFailures(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryLimit(r)
	if err != nil {
		return err
	}
	failures, err := h.service.ListRelayFailures(r.Context(), limit)
	if err != nil {
		return err
	}
	if failures == nil {
		failures = []*relayqueue.Failure{}
	}
	return apphttp.WriteJSON(w, http.StatusOK, &FailuresResponse{Failures: failures})
}

func (h *HTTP) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.BadRequestError(err, "failed to read request")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON")
	}
	if err := h.validate.Struct(v); err != nil {
		return apperrors.BadRequestError(err, err.Error())
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperrors.BadRequestError(err, "limit must be a non-negative integer")
	}
	return limit, nil
}

// withOutcome puts the outcome of a failed run into the error body.
func withOutcome(err error, out *transfer.Outcome) error {
	if out == nil {
		return err
	}
	return &apphttp.DetailError{Err: err, Detail: out}
}
