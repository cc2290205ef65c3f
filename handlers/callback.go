package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storefront-payment-api/models"
	"storefront-payment-api/services/payment"
	"storefront-payment-api/utils"
)

const maxCallbackBody = 64 << 10

type ConfirmationService interface {
	HandleConfirmation(ctx context.Context, raw []byte) (*payment.Ack, error)
	ScheduleReplay(ctx context.Context, raw []byte, attempt int) error
}

type CallbackHandler struct {
	payments ConfirmationService
	logger   *zap.SugaredLogger
	timeout  time.Duration
}

func NewCallbackHandler(payments ConfirmationService, logger *zap.SugaredLogger) *CallbackHandler {
	return &CallbackHandler{payments: payments, logger: logger, timeout: 20 * time.Second}
}

var (
	accepted = models.GatewayAck{ResultCode: 0, ResultDesc: "Accepted"}
	rejected = models.GatewayAck{ResultCode: 1, ResultDesc: "Rejected"}
)

// HandleCallback receives the gateway's payment result. Anything that was
// read successfully is acknowledged, since the gateway does not usefully
// retry; work that could not be done now is replayed from the queue.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warnw("failed to read callback body", "error", err)
		utils.SendJSON(w, http.StatusBadRequest, rejected)
		return
	}

	// The payer has already been charged; finish even if the gateway hangs up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	ack, err := h.payments.HandleConfirmation(ctx, raw)
	switch {
	case err == nil:
		h.logger.Infow("callback processed", "reference", ack.Reference, "outcome", ack.Outcome)
	case errors.Is(err, payment.ErrInvalidCallback):
		h.logger.Warnw("invalid callback payload", "error", err)
		utils.SendJSON(w, http.StatusBadRequest, rejected)
		return
	case errors.Is(err, payment.ErrAmountMismatch):
		// Recorded and flagged for review.
	case errors.Is(err, payment.ErrUnknownTransaction):
		h.logger.Warnw("callback for unknown transaction", "error", err)
		if err := h.payments.ScheduleReplay(ctx, raw, 1); err != nil {
			h.logger.Errorw("failed to schedule callback replay", "error", err)
		}
	default:
		h.logger.Errorw("callback processing failed", "error", err)
		if err := h.payments.ScheduleReplay(ctx, raw, 1); err != nil {
			h.logger.Errorw("failed to schedule callback replay", "error", err)
			utils.SendJSON(w, http.StatusInternalServerError, rejected)
			return
		}
	}

	utils.SendJSON(w, http.StatusOK, accepted)
}
