package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-payment-api/models"
)

type FinalizeResult struct {
	Order *models.Order
	// Created is false when the order already existed.
	Created bool
	// CartCleared reports whether the snapshot lines were removed from the cart.
	CartCleared bool
	CartErr     error
}

// FinalizeOrder creates the order for a confirmed transaction from its stored
// cart snapshot in one SQL transaction, then clears those lines from the
// user's cart once the order is committed. A failing cart delete never
// touches the order; the caller is told through CartCleared.
func (c *Connection) FinalizeOrder(ctx context.Context, reference string) (*FinalizeResult, error) {
	tx, err := c.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE reference = ? FOR UPDATE`, reference)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error locking transaction %s: %w", reference, err)
	}

	existing, err := getOrder(ctx, tx.tx, reference)
	if err == nil {
		return &FinalizeResult{Order: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if txn.State != models.StateConfirmed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConfirmed, reference, txn.State)
	}

	lines, err := queryLines(ctx, tx.tx, reference)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		TransactionReference: reference,
		UserID:               txn.UserID,
		Amount:               txn.Amount,
		ReceiptNumber:        txn.ReceiptNumber,
		CreatedAt:            tx.now(),
	}

	result, err := tx.tx.ExecContext(ctx, `
		INSERT INTO checkout_orders (transaction_reference, user_id, amount, receipt_number, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, order.TransactionReference, order.UserID, order.Amount, order.ReceiptNumber, order.CreatedAt)
	if isDuplicateKey(err) {
		tx.Rollback()
		existing, getErr := c.GetOrderByTransaction(ctx, reference)
		if getErr != nil {
			return nil, getErr
		}
		return &FinalizeResult{Order: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error inserting order for %s: %w", reference, err)
	}

	order.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	productIDs := make([]int64, 0, len(lines))
	for _, line := range lines {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO checkout_order_items (order_id, product_id, product_name, unit_price, quantity)
			VALUES (?, ?, ?, ?, ?)
		`, order.ID, line.ProductID, line.ProductName, line.UnitPrice, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("error inserting order item %d for %s: %w", line.ProductID, reference, err)
		}
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
		})
		productIDs = append(productIDs, line.ProductID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing order for %s: %w", reference, err)
	}

	out := &FinalizeResult{Order: order, Created: true, CartCleared: true}
	if _, err := c.ClearCartLines(ctx, txn.UserID, productIDs); err != nil {
		out.CartCleared = false
		out.CartErr = err
	}
	return out, nil
}

func (c *Connection) GetOrderByTransaction(ctx context.Context, reference string) (*models.Order, error) {
	return getOrder(ctx, c.db, reference)
}

func getOrder(ctx context.Context, q dbtx, reference string) (*models.Order, error) {
	var order models.Order
	err := q.QueryRowContext(ctx, `
		SELECT id, transaction_reference, user_id, amount, receipt_number, created_at
		FROM checkout_orders
		WHERE transaction_reference = ?
	`, reference).Scan(
		&order.ID,
		&order.TransactionReference,
		&order.UserID,
		&order.Amount,
		&order.ReceiptNumber,
		&order.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting order for %s: %w", reference, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price, quantity
		FROM checkout_order_items
		WHERE order_id = ?
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("error getting order items for %s: %w", reference, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return &order, rows.Err()
}
