package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/middleware"
	"storefront-payment-api/models"
	"storefront-payment-api/services/mpesa"
	"storefront-payment-api/services/payment"
	"storefront-payment-api/utils"
)

type CheckoutService interface {
	StartCheckout(ctx context.Context, userID int64, phone string) (*models.PaymentTransaction, error)
	GetTransaction(ctx context.Context, userID int64, reference string) (*models.PaymentTransaction, error)
	CartTotal(ctx context.Context, userID int64) (*models.CartSnapshot, decimal.Decimal, error)
}

type CheckoutHandler struct {
	payments CheckoutService
	logger   *zap.SugaredLogger
}

func NewCheckoutHandler(payments CheckoutService, logger *zap.SugaredLogger) *CheckoutHandler {
	return &CheckoutHandler{payments: payments, logger: logger}
}

// transactionView is what the storefront sees of a transaction.
type transactionView struct {
	Reference     string                  `json:"reference"`
	State         models.TransactionState `json:"state"`
	Amount        decimal.Decimal         `json:"amount"`
	FailureReason models.FailureReason    `json:"failure_reason,omitempty"`
	ReceiptNumber string                  `json:"receipt_number,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func viewOf(txn *models.PaymentTransaction) *transactionView {
	return &transactionView{
		Reference:     txn.Reference,
		State:         txn.State,
		Amount:        txn.Amount,
		FailureReason: txn.FailureReason,
		ReceiptNumber: txn.ReceiptNumber,
		UpdatedAt:     txn.UpdatedAt,
	}
}

func (h *CheckoutHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req models.CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txn, err := h.payments.StartCheckout(r.Context(), user.UserID, req.PhoneNumber)
	if err != nil {
		h.checkoutError(w, user.UserID, txn, err)
		return
	}

	utils.SendJSON(w, http.StatusAccepted, models.APIResponse{
		Status:  "success",
		Message: "Payment request sent. Enter your M-Pesa PIN on your phone to complete the payment.",
		Data:    viewOf(txn),
	})
}

func (h *CheckoutHandler) checkoutError(w http.ResponseWriter, userID int64, txn *models.PaymentTransaction, err error) {
	var data interface{}
	if txn != nil {
		data = viewOf(txn)
	}
	status, message := http.StatusInternalServerError, "Failed to start payment"

	var inProgress *payment.InProgressError
	var credErr *mpesa.CredentialError
	var gatewayErr *mpesa.GatewayError
	switch {
	case errors.Is(err, payment.ErrInvalidPhone):
		status, message = http.StatusBadRequest, "Enter a valid Safaricom phone number"
	case errors.Is(err, payment.ErrEmptyCart):
		status, message = http.StatusBadRequest, "Your cart is empty"
	case errors.Is(err, payment.ErrInvalidAmount):
		status, message = http.StatusBadRequest, "Cart total cannot be paid with M-Pesa"
	case errors.As(err, &inProgress):
		status, message = http.StatusConflict, "A payment is already in progress"
		if inProgress.Reference != "" {
			data = map[string]string{"reference": inProgress.Reference}
		}
	case mpesa.IsTransport(err):
		// The push may still reach the phone; the client keeps polling.
		status, message = http.StatusBadGateway, "We could not confirm the payment request. Check your phone before trying again."
	case errors.Is(err, mpesa.ErrGatewayUnavailable), errors.As(err, &credErr):
		status, message = http.StatusServiceUnavailable, "Payment service temporarily unavailable"
	case errors.As(err, &gatewayErr):
		status, message = http.StatusBadGateway, "The payment request was declined"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Errorw("checkout failed", "user_id", userID, "error", err)
	}
	utils.SendJSON(w, status, models.APIResponse{Status: "error", Message: message, Data: data})
}

func (h *CheckoutHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	txn, err := h.payments.GetTransaction(r.Context(), user.UserID, mux.Vars(r)["reference"])
	if errors.Is(err, database.ErrNotFound) {
		utils.SendErrorResponse(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		h.logger.Errorw("failed to load transaction", "user_id", user.UserID, "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status:  "success",
		Message: string(txn.State),
		Data:    viewOf(txn),
	})
}

func (h *CheckoutHandler) CartTotal(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	snapshot, amount, err := h.payments.CartTotal(r.Context(), user.UserID)
	if err != nil {
		h.logger.Errorw("failed to load cart", "user_id", user.UserID, "error", err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load cart")
		return
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status:  "success",
		Message: "Total Amount: " + utils.FormatKES(amount),
		Data: map[string]interface{}{
			"lines":            snapshot.Lines,
			"total":            snapshot.Total,
			"amount_to_charge": amount,
		},
	})
}
