package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/utils"
)

type TokenIssuer interface {
	IssueToken(user models.AuthUser) (*models.AuthResponse, error)
}

type ReviewLister interface {
	ListForReview(ctx context.Context, limit int) ([]models.PaymentTransaction, error)
}

type TransactionLookup interface {
	GetTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, data map[string]interface{}) error
}

// InternalHandler serves the storefront backend and operators.
type InternalHandler struct {
	tokens       TokenIssuer
	reviews      ReviewLister
	transactions TransactionLookup
	jobs         Enqueuer
	logger       *zap.SugaredLogger
}

func NewInternalHandler(tokens TokenIssuer, reviews ReviewLister, transactions TransactionLookup, jobs Enqueuer, logger *zap.SugaredLogger) *InternalHandler {
	return &InternalHandler{
		tokens:       tokens,
		reviews:      reviews,
		transactions: transactions,
		jobs:         jobs,
		logger:       logger,
	}
}

// GenerateToken issues a bearer token for a user the storefront has
// already logged in.
func (h *InternalHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID <= 0 {
		utils.SendErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	resp, err := h.tokens.IssueToken(models.AuthUser{UserID: req.UserID, Email: req.Email})
	if err != nil {
		h.logger.Errorw("error generating token", "user_id", req.UserID, "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status:  "success",
		Message: "Token generated successfully",
		Data:    resp,
	})
}

// ListReconciliation returns transactions whose outcome needs a human or a
// gateway query: unknown push outcomes, expired windows and review flags.
func (h *InternalHandler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			utils.SendErrorResponse(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	txns, err := h.reviews.ListForReview(r.Context(), limit)
	if err != nil {
		h.logger.Errorw("failed to list transactions for review", "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}
	if txns == nil {
		txns = []models.PaymentTransaction{}
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status:  "success",
		Message: strconv.Itoa(len(txns)) + " transactions",
		Data:    txns,
	})
}

func (h *InternalHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	if _, err := h.transactions.GetTransaction(r.Context(), reference); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			utils.SendErrorResponse(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Errorw("failed to load transaction", "reference", reference, "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}

	err := h.jobs.Enqueue(r.Context(), queue.JobTypeReconcileTransaction, map[string]interface{}{"reference": reference})
	if err != nil {
		h.logger.Errorw("failed to enqueue reconciliation", "reference", reference, "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to schedule reconciliation")
		return
	}

	utils.SendJSON(w, http.StatusAccepted, models.APIResponse{
		Status:  "success",
		Message: "Reconciliation scheduled",
		Data:    map[string]string{"reference": reference},
	})
}
