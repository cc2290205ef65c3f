package models

import "github.com/shopspring/decimal"

type CartLine struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartSnapshot is the cart as captured for one checkout attempt.
type CartSnapshot struct {
	UserID int64           `json:"user_id"`
	Lines  []CartLine      `json:"lines"`
	Total  decimal.Decimal `json:"total"`
}

func NewCartSnapshot(userID int64, lines []CartLine) *CartSnapshot {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	return &CartSnapshot{
		UserID: userID,
		Lines:  lines,
		Total:  total,
	}
}

func (c *CartSnapshot) ProductIDs() []int64 {
	ids := make([]int64, 0, len(c.Lines))
	for _, line := range c.Lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
