package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-payment-api/models"
)

// Transaction wraps a sql.Tx for the multi-statement writes of this package.
type Transaction struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *Transaction) Commit() error {
	return t.tx.Commit()
}

func (t *Transaction) Rollback() error {
	return t.tx.Rollback()
}

var transactionColumnList = []string{
	"reference", "user_id", "amount", "phone_number", "merchant_request_id",
	"checkout_request_id", "state", "failure_reason", "unconfirmed_outcome", "needs_review",
	"result_code", "result_desc", "receipt_number", "callback_payload", "created_at", "updated_at",
}

var transactionColumns = strings.Join(transactionColumnList, ", ")

func qualifiedTransactionColumns(alias string) string {
	qualified := make([]string, len(transactionColumnList))
	for i, column := range transactionColumnList {
		qualified[i] = alias + "." + column
	}
	return strings.Join(qualified, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.PaymentTransaction, error) {
	var (
		txn     models.PaymentTransaction
		state   string
		reason  string
		payload []byte
	)
	err := row.Scan(
		&txn.Reference,
		&txn.UserID,
		&txn.Amount,
		&txn.PhoneNumber,
		&txn.MerchantRequestID,
		&txn.CheckoutRequestID,
		&state,
		&reason,
		&txn.UnconfirmedOutcome,
		&txn.NeedsReview,
		&txn.ResultCode,
		&txn.ResultDesc,
		&txn.ReceiptNumber,
		&payload,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.State = models.TransactionState(state)
	txn.FailureReason = models.FailureReason(reason)
	if len(payload) > 0 {
		txn.CallbackPayload = payload
	}
	return &txn, nil
}

// CreateTransaction stores a new transaction together with its cart snapshot.
func (c *Connection) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction, lines []models.CartLine) error {
	tx, err := c.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.insertTransaction(ctx, txn); err != nil {
		return err
	}
	for _, line := range lines {
		if err := tx.insertTransactionItem(ctx, txn.Reference, line); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", txn.Reference, err)
	}
	return nil
}

func (t *Transaction) insertTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	now := t.now()
	txn.CreatedAt = now
	txn.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			reference, user_id, amount, phone_number, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txn.Reference, txn.UserID, txn.Amount, txn.PhoneNumber, string(txn.State), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", txn.Reference, err)
	}
	return nil
}

func (t *Transaction) insertTransactionItem(ctx context.Context, reference string, line models.CartLine) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_transaction_items (
			transaction_reference, product_id, product_name, unit_price, quantity
		) VALUES (?, ?, ?, ?, ?)
	`, reference, line.ProductID, line.ProductName, line.UnitPrice, line.Quantity)
	if err != nil {
		return fmt.Errorf("failed to insert item %d for %s: %w", line.ProductID, reference, err)
	}
	return nil
}

func (c *Connection) GetTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE reference = ?`, reference)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting transaction %s: %w", reference, err)
	}
	return txn, nil
}

func (c *Connection) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error) {
	if checkoutRequestID == "" {
		return nil, ErrNotFound
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE checkout_request_id = ?`, checkoutRequestID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting transaction for checkout request %s: %w", checkoutRequestID, err)
	}
	return txn, nil
}

// GetActiveTransaction returns the user's created or awaiting transaction, if any.
func (c *Connection) GetActiveTransaction(ctx context.Context, userID int64) (*models.PaymentTransaction, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE user_id = ? AND state IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		userID, string(models.StateCreated), string(models.StateAwaitingConfirmation))
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting active transaction for user %d: %w", userID, err)
	}
	return txn, nil
}

// Transition moves a transaction to the target state if its current state
// allows it. The update is a compare-and-set on the state column, so of two
// racing writers exactly one wins.
func (c *Connection) Transition(ctx context.Context, reference string, to models.TransactionState, update models.TransitionUpdate) error {
	sources := models.SourcesOf(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrIllegalTransition, to)
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []interface{}{string(to), c.now()}

	optional := []struct {
		column string
		value  string
	}{
		{"failure_reason", string(update.FailureReason)},
		{"merchant_request_id", update.MerchantRequestID},
		{"checkout_request_id", update.CheckoutRequestID},
		{"result_code", update.ResultCode},
		{"result_desc", update.ResultDesc},
		{"receipt_number", update.ReceiptNumber},
	}
	for _, field := range optional {
		if field.value != "" {
			sets = append(sets, field.column+" = ?")
			args = append(args, field.value)
		}
	}
	if len(update.CallbackPayload) > 0 {
		sets = append(sets, "callback_payload = ?")
		args = append(args, string(update.CallbackPayload))
	}
	if update.UnconfirmedOutcome {
		sets = append(sets, "unconfirmed_outcome = 1")
	}
	if update.NeedsReview {
		sets = append(sets, "needs_review = 1")
	}

	placeholders := make([]string, len(sources))
	args = append(args, reference)
	for i, source := range sources {
		placeholders[i] = "?"
		args = append(args, string(source))
	}

	query := fmt.Sprintf(
		"UPDATE payment_transactions SET %s WHERE reference = ? AND state IN (%s)",
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error moving %s to %s: %w", reference, to, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	current, err := c.GetTransaction(ctx, reference)
	if err != nil {
		return err
	}
	if current.State == to {
		return ErrTransitionNoop
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.State, to)
}

// FlagForReview marks a transaction for operator attention without touching its state.
func (c *Connection) FlagForReview(ctx context.Context, reference, note string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET needs_review = 1, result_desc = IF(? = '', result_desc, ?), updated_at = ?
		WHERE reference = ?
	`, note, note, c.now(), reference)
	if err != nil {
		return fmt.Errorf("error flagging %s for review: %w", reference, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleAwaiting returns transactions still awaiting confirmation that were
// last updated before the cutoff.
func (c *Connection) ListStaleAwaiting(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	return c.listTransactions(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE state = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?
	`, string(models.StateAwaitingConfirmation), before, limit)
}

// ListForReview returns transactions whose real outcome is uncertain: expired
// ones, failures where the push may have reached the payer, and flagged rows.
func (c *Connection) ListForReview(ctx context.Context, limit int) ([]models.PaymentTransaction, error) {
	return c.listTransactions(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE needs_review = 1
		   OR state = ?
		   OR (state = ? AND unconfirmed_outcome = 1)
		ORDER BY updated_at DESC LIMIT ?
	`, string(models.StateExpired), string(models.StateFailed), limit)
}

// ListConfirmedWithoutOrder finds confirmed transactions that never got an order.
func (c *Connection) ListConfirmedWithoutOrder(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	return c.listTransactions(ctx, `
		SELECT `+qualifiedTransactionColumns("t")+` FROM payment_transactions t
		LEFT JOIN checkout_orders o ON o.transaction_reference = t.reference
		WHERE t.state = ? AND o.id IS NULL AND t.updated_at < ?
		ORDER BY t.updated_at ASC LIMIT ?
	`, string(models.StateConfirmed), before, limit)
}

func (c *Connection) listTransactions(ctx context.Context, query string, args ...interface{}) ([]models.PaymentTransaction, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing transactions: %w", err)
	}
	defer rows.Close()

	var out []models.PaymentTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (c *Connection) GetTransactionItems(ctx context.Context, reference string) ([]models.CartLine, error) {
	return queryLines(ctx, c.db, reference)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryLines(ctx context.Context, q dbtx, reference string) ([]models.CartLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price, quantity
		FROM payment_transaction_items
		WHERE transaction_reference = ?
		ORDER BY id ASC
	`, reference)
	if err != nil {
		return nil, fmt.Errorf("error getting items for %s: %w", reference, err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.UnitPrice, &line.Quantity); err != nil {
			return nil, fmt.Errorf("error scanning item for %s: %w", reference, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
