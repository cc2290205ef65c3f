package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storefront-payment-api/models"
)

// GetCartSnapshot reads the user's current cart lines priced from the products table.
func (c *Connection) GetCartSnapshot(ctx context.Context, userID int64) (*models.CartSnapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT uc.product_id, p.product_name, p.price_ksh, uc.quantity
		FROM user_cart uc
		JOIN products p ON uc.product_id = p.product_id
		WHERE uc.user_id = ? AND uc.quantity > 0
		ORDER BY uc.product_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting cart for user %d: %w", userID, err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.UnitPrice, &line.Quantity); err != nil {
			return nil, fmt.Errorf("error scanning cart line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return models.NewCartSnapshot(userID, lines), nil
}

func (c *Connection) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	var email sql.NullString
	err := c.db.QueryRowContext(ctx, `SELECT email FROM profiles WHERE user_id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error getting email for user %d: %w", userID, err)
	}
	return email.String, nil
}

// ClearCartLines removes the given products from the user's cart. Lines the
// user added after the snapshot was taken are left alone.
func (c *Connection) ClearCartLines(ctx context.Context, userID int64, productIDs []int64) (int64, error) {
	return clearCartLines(ctx, c.db, userID, productIDs)
}

func clearCartLines(ctx context.Context, e dbtx, userID int64, productIDs []int64) (int64, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(productIDs))
	args := make([]interface{}, 0, len(productIDs)+1)
	args = append(args, userID)
	for i, id := range productIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	result, err := e.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM user_cart WHERE user_id = ? AND product_id IN (%s)", strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return 0, fmt.Errorf("error clearing cart for user %d: %w", userID, err)
	}
	return result.RowsAffected()
}
