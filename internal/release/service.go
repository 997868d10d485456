// Package release provides the HTTP handlers and orchestration for
// creating, funding, and releasing custodial escrows, plus the payment
// distribution endpoints.
//
// All monetary values use shopspring/decimal — never float64 for money.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/calc"
	"github.com/payflow/escrow-engine/internal/custody"
	"github.com/payflow/escrow-engine/internal/distribution"
	"github.com/payflow/escrow-engine/internal/lifecycle"
	"github.com/payflow/escrow-engine/internal/metrics"
	"github.com/payflow/escrow-engine/internal/model"
	"github.com/payflow/escrow-engine/internal/store"
)

// Service wires the HTTP surface to the coordinator, calculator, and store.
type Service struct {
	store       store.Store
	signer      custody.Signer
	coordinator *Coordinator
	calculator  *calc.Calculator
}

// NewService creates the HTTP service.
func NewService(st store.Store, signer custody.Signer, coordinator *Coordinator, calculator *calc.Calculator) *Service {
	return &Service{
		store:       st,
		signer:      signer,
		coordinator: coordinator,
		calculator:  calculator,
	}
}

// --- Request/Response types ---

// CreateEscrowRequest is the JSON body for POST /escrows.
type CreateEscrowRequest struct {
	Buyer       string                `json:"buyer"`
	Seller      string                `json:"seller"`
	TotalAmount decimal.Decimal       `json:"total_amount"`
	Currency    string                `json:"currency"`
	EscrowType  string                `json:"escrow_type"` // "single" or "milestone"
	DeadlineAt  *time.Time            `json:"deadline_at,omitempty"`
	Milestones  []calc.MilestoneInput `json:"milestones,omitempty"`
}

// CreateEscrowResponse returns the escrow and its cost breakdown.
type CreateEscrowResponse struct {
	Escrow *model.Escrow      `json:"escrow"`
	Costs  calc.CostBreakdown `json:"costs"`
}

// ProgressResponse is the milestone progress view of one escrow.
type ProgressResponse struct {
	Total                int                     `json:"total_milestones"`
	Completed            int                     `json:"completed_milestones"`
	Released             int                     `json:"released_milestones"`
	CompletionPercentage int                     `json:"completion_percentage"`
	Estimate             calc.CompletionEstimate `json:"estimate"`
}

// actorRequest carries the acting party for guard-checked endpoints.
type actorRequest struct {
	ActorAddress string `json:"actor_address"`
	Reason       string `json:"reason,omitempty"`
}

// --- Escrow management handlers ---

// CreateEscrow handles POST /api/v1/escrows
func (s *Service) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !distribution.ValidAddress(req.Buyer) || !distribution.ValidAddress(req.Seller) {
		writeError(w, "buyer and seller must be valid addresses", http.StatusBadRequest)
		return
	}
	if req.Buyer == req.Seller {
		writeError(w, "buyer and seller must differ", http.StatusBadRequest)
		return
	}
	if req.TotalAmount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "total_amount must be positive", http.StatusBadRequest)
		return
	}
	if req.EscrowType != model.TypeSingle && req.EscrowType != model.TypeMilestone {
		writeError(w, "escrow_type must be single or milestone", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	e := &model.Escrow{
		ID:               uuid.NewString(),
		Buyer:            req.Buyer,
		Seller:           req.Seller,
		TotalAmount:      req.TotalAmount,
		ReleasedAmount:   decimal.Zero,
		Currency:         req.Currency,
		Status:           model.EscrowPending,
		EscrowType:       req.EscrowType,
		CustodyWalletRef: "custody:" + uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.DeadlineAt != nil {
		e.Deadline = req.DeadlineAt.UTC()
	}

	if req.EscrowType == model.TypeMilestone {
		// Milestone percentages are exact-100 validated once, here.
		v := calc.ValidateMilestonePercentages(req.Milestones)
		if !v.Valid {
			writeError(w, v.Err, http.StatusBadRequest)
			return
		}
		breakdown, err := calc.Milestones(req.TotalAmount, req.Milestones)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, b := range breakdown {
			e.Milestones = append(e.Milestones, model.Milestone{
				ID:         uuid.NewString(),
				EscrowID:   e.ID,
				Title:      b.Title,
				Percentage: b.Percentage,
				Amount:     b.Amount,
				Status:     model.MilestonePending,
			})
		}
	} else if len(req.Milestones) > 0 {
		writeError(w, "single escrows cannot carry milestones", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.CreateEscrow(ctx, e); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	s.logActivity(e.ID, model.ActivityCreated, req.Buyer, "escrow created")

	slog.Info("escrow created",
		"id", e.ID,
		"type", e.EscrowType,
		"total", e.TotalAmount.String(),
		"currency", e.Currency,
		"milestones", len(e.Milestones),
	)

	writeJSON(w, http.StatusCreated, CreateEscrowResponse{
		Escrow: e,
		Costs:  s.calculator.Costs(e.TotalAmount),
	})
}

// GetEscrow handles GET /api/v1/escrows/{escrowID}
func (s *Service) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEscrow(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, "escrow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListEscrows handles GET /api/v1/escrows
func (s *Service) ListEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := s.store.ListEscrows(r.Context())
	if err != nil {
		writeError(w, "failed to list escrows", http.StatusInternalServerError)
		return
	}
	if escrows == nil {
		escrows = []model.Escrow{}
	}
	writeJSON(w, http.StatusOK, escrows)
}

// GetActivity handles GET /api/v1/escrows/{escrowID}/activity
func (s *Service) GetActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.store.ListActivity(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, "failed to list activity", http.StatusInternalServerError)
		return
	}
	if activity == nil {
		activity = []model.Activity{}
	}
	writeJSON(w, http.StatusOK, activity)
}

// GetProgress handles GET /api/v1/escrows/{escrowID}/progress
func (s *Service) GetProgress(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEscrow(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, "escrow not found", http.StatusNotFound)
		return
	}

	completed, released := 0, 0
	for _, m := range e.Milestones {
		switch m.Status {
		case model.MilestoneCompleted:
			completed++
		case model.MilestoneReleased:
			released++
		}
	}
	// Released milestones count as progressed work for the estimate.
	progressed := completed + released
	total := len(e.Milestones)

	writeJSON(w, http.StatusOK, ProgressResponse{
		Total:                total,
		Completed:            completed,
		Released:             released,
		CompletionPercentage: calc.CompletionPercentage(total, progressed),
		Estimate:             calc.EstimateTimeToCompletion(e.CreatedAt, progressed, total, time.Now().UTC()),
	})
}

// Quote handles GET /api/v1/escrows/quote?amount=1.5
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be a positive decimal", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.calculator.Costs(amount))
}

// FundEscrow handles POST /api/v1/escrows/{escrowID}/fund
// Confirms the custody deposit against the signer's balance and moves the
// escrow from pending to funded.
func (s *Service) FundEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	escrowID := chi.URLParam(r, "escrowID")

	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		writeError(w, "escrow not found", http.StatusNotFound)
		return
	}

	balance, err := s.signer.GetBalance(ctx, e.CustodyWalletRef)
	if err != nil {
		writeError(w, "custody balance check failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	if err := lifecycle.CanFund(e, balance); err != nil {
		writeGuardError(w, err)
		return
	}
	if err := s.store.UpdateEscrowStatus(ctx, escrowID, model.EscrowPending, model.EscrowFunded); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.ActiveEscrows.Inc()
	s.logActivity(escrowID, model.ActivityFunded, e.Buyer, "deposit confirmed, escrow funded")

	slog.Info("escrow funded", "id", escrowID, "balance", balance.String())

	if s.coordinator.hub != nil {
		s.coordinator.hub.Broadcast(Message{
			Type:     model.ActivityFunded,
			EscrowID: escrowID,
			Status:   string(model.EscrowFunded),
			Amount:   e.TotalAmount.String(),
		})
	}

	e.Status = model.EscrowFunded
	writeJSON(w, http.StatusOK, e)
}

// CompleteMilestone handles POST /api/v1/escrows/{escrowID}/milestones/{milestoneID}/complete
// The seller marks work done; no funds move.
func (s *Service) CompleteMilestone(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	escrowID := chi.URLParam(r, "escrowID")
	milestoneID := chi.URLParam(r, "milestoneID")

	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		writeError(w, "escrow not found", http.StatusNotFound)
		return
	}

	if err := lifecycle.CanCompleteMilestone(e, milestoneID, req.ActorAddress); err != nil {
		writeGuardError(w, err)
		return
	}
	err = s.store.UpdateMilestoneStatus(ctx, escrowID, milestoneID,
		model.MilestonePending, model.MilestoneCompleted, "")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logActivity(escrowID, model.ActivityMilestoneCompleted, req.ActorAddress,
		"milestone "+milestoneID+" marked completed")

	if s.coordinator.hub != nil {
		s.coordinator.hub.Broadcast(Message{
			Type:        model.ActivityMilestoneCompleted,
			EscrowID:    escrowID,
			MilestoneID: milestoneID,
			Actor:       req.ActorAddress,
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

// Release handles POST /api/v1/release
// The single serialized entry point for moving funds out of custody.
func (s *Service) Release(w http.ResponseWriter, r *http.Request) {
	var req model.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EscrowID == "" || req.ActorAddress == "" {
		writeError(w, "escrow_id and actor_address are required", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.Release(r.Context(), req)
	if err != nil {
		writeReleaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Dispute handles POST /api/v1/escrows/{escrowID}/dispute
func (s *Service) Dispute(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	escrowID := chi.URLParam(r, "escrowID")

	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		writeError(w, "escrow not found", http.StatusNotFound)
		return
	}

	if err := lifecycle.CanDispute(e, req.ActorAddress); err != nil {
		writeGuardError(w, err)
		return
	}
	if err := s.store.UpdateEscrowStatus(ctx, escrowID, model.EscrowFunded, model.EscrowDisputed); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logActivity(escrowID, model.ActivityDisputed, req.ActorAddress,
		"dispute opened: "+req.Reason)

	slog.Info("dispute opened", "escrow", escrowID, "actor", req.ActorAddress)
	w.WriteHeader(http.StatusNoContent)
}

// Resolve handles POST /api/v1/escrows/{escrowID}/resolve
// Applies an out-of-band dispute resolution ("release" or "refund").
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution   string `json:"resolution"`
		ActorAddress string `json:"actor_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.Resolve(r.Context(), chi.URLParam(r, "escrowID"), req.Resolution, req.ActorAddress)
	if err != nil {
		writeReleaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Cancel handles POST /api/v1/escrows/{escrowID}/cancel
// The buyer backs out; a funded escrow refunds the deposit.
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.coordinator.Refund(r.Context(), chi.URLParam(r, "escrowID"), req.ActorAddress); err != nil {
		writeReleaseError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExpireDue sweeps non-terminal escrows whose deadline has passed. Called
// from the background expiry loop.
func (s *Service) ExpireDue(ctx context.Context) {
	escrows, err := s.store.ListEscrows(ctx)
	if err != nil {
		slog.Error("expiry sweep failed to list escrows", "err", err)
		return
	}

	now := time.Now().UTC()
	for i := range escrows {
		e := &escrows[i]
		if err := lifecycle.CanExpire(e, now); err != nil {
			continue
		}
		if err := s.store.UpdateEscrowStatus(ctx, e.ID, e.Status, model.EscrowExpired); err != nil {
			slog.Error("expiry update failed", "escrow", e.ID, "err", err)
			continue
		}
		if e.Status == model.EscrowFunded || e.Status == model.EscrowDisputed {
			metrics.ActiveEscrows.Dec()
		}
		s.logActivity(e.ID, model.ActivityExpired, "", "escrow deadline passed")
		slog.Info("escrow expired", "id", e.ID, "deadline", e.Deadline)

		if s.coordinator.hub != nil {
			s.coordinator.hub.Broadcast(Message{
				Type:     model.ActivityExpired,
				EscrowID: e.ID,
				Status:   string(model.EscrowExpired),
			})
		}
	}
}

// --- Distribution handlers ---

// CalculateDistributionRequest is the JSON body for POST /distributions/calculate.
type CalculateDistributionRequest struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Shares      []model.Share   `json:"shares"`
	Scale       *int32          `json:"scale,omitempty"`
	// RemainderTo attributes the rounding remainder to the allocation at
	// this index. Nil leaves the remainder unattributed in the response.
	RemainderTo *int `json:"remainder_to,omitempty"`
}

// CalculateDistribution handles POST /api/v1/distributions/calculate
func (s *Service) CalculateDistribution(w http.ResponseWriter, r *http.Request) {
	var req CalculateDistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if v := distribution.Validate(req.Shares); !v.Valid {
		writeJSON(w, http.StatusBadRequest, v)
		return
	}

	scale := distribution.DefaultScale
	if req.Scale != nil {
		scale = *req.Scale
	}

	result, err := distribution.Calculate(req.TotalAmount, req.Shares, scale)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RemainderTo != nil {
		if err := result.ApplyRemainder(*req.RemainderTo); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// ValidateDistribution handles POST /api/v1/distributions/validate
func (s *Service) ValidateDistribution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shares []model.Share `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, distribution.Validate(req.Shares))
}

// RebalanceRequest is the JSON body for POST /distributions/rebalance.
type RebalanceRequest struct {
	Shares        []model.Share   `json:"shares"`
	TargetID      string          `json:"target_id"`
	NewPercentage decimal.Decimal `json:"new_percentage"`
	LockedIDs     []string        `json:"locked_ids,omitempty"`
}

// RebalanceResponse returns the adjusted shares and whether they still sum
// to 100% (clamping can leave them short — callers must re-validate).
type RebalanceResponse struct {
	Shares   []model.Share `json:"shares"`
	Balanced bool          `json:"balanced"`
}

// RebalanceDistribution handles POST /api/v1/distributions/rebalance
func (s *Service) RebalanceDistribution(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NewPercentage.IsNegative() {
		writeError(w, "new_percentage must not be negative", http.StatusBadRequest)
		return
	}

	adjusted := distribution.AdjustShareAndRedistribute(req.Shares, req.TargetID, req.NewPercentage, req.LockedIDs)
	writeJSON(w, http.StatusOK, RebalanceResponse{
		Shares:   adjusted,
		Balanced: distribution.Balanced(adjusted),
	})
}

// NormalizeDistribution handles POST /api/v1/distributions/normalize
func (s *Service) NormalizeDistribution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weights []decimal.Decimal `json:"weights"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]decimal.Decimal{
		"percentages": distribution.NormalizePercentages(req.Weights),
	})
}

// --- Helpers ---

func (s *Service) logActivity(escrowID, activityType, actor, message string) {
	s.coordinator.logActivity(escrowID, activityType, actor, message, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// guardStatus maps a guard code onto an HTTP status.
func guardStatus(code string) int {
	switch code {
	case lifecycle.CodeWrongActor:
		return http.StatusForbidden
	case lifecycle.CodeUnknownMilestone:
		return http.StatusNotFound
	case lifecycle.CodeMilestoneRequired:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// writeGuardError writes a guard violation and counts it.
func writeGuardError(w http.ResponseWriter, err error) {
	ge, ok := lifecycle.AsGuard(err)
	if !ok {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.GuardViolations.WithLabelValues(ge.Code).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(guardStatus(ge.Code))
	json.NewEncoder(w).Encode(map[string]string{"error": ge.Message, "code": ge.Code})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeReleaseError maps coordinator failures. Ambiguous outcomes surface
// as 202 "pending reconciliation" — funds may have moved, this is not a
// failure the caller should retry blindly.
func writeReleaseError(w http.ResponseWriter, err error) {
	var recon *ReconciliationError
	if errors.As(err, &recon) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "pending_reconciliation",
			"escrow_id": recon.EscrowID,
		})
		return
	}
	if ge, ok := lifecycle.AsGuard(err); ok {
		// Guard metric already counted by the coordinator.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(guardStatus(ge.Code))
		json.NewEncoder(w).Encode(map[string]string{"error": ge.Message, "code": ge.Code})
		return
	}
	switch {
	case errors.Is(err, ErrTransferFailed):
		writeError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
