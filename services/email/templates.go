package email

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/shopspring/decimal"

	"storefront-payment-api/models"
	"storefront-payment-api/utils"
)

var receiptTemplate = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"ksh": utils.FormatKES,
	"subtotal": func(item models.OrderItem) decimal.Decimal {
		return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Order receipt</title>
</head>
<body style="margin: 0; padding: 0; background-color: #f9fafb; font-family: Arial, sans-serif;">
    <table role="presentation" cellspacing="0" cellpadding="0" border="0" width="100%" style="background-color: #f9fafb;">
        <tr>
            <td align="center" style="padding: 40px 20px;">
                <table role="presentation" cellspacing="0" cellpadding="0" border="0" width="600" style="max-width: 600px; background-color: #ffffff; border-radius: 12px;">
                    <tr>
                        <td style="background-color: #1f6f43; padding: 32px 20px; text-align: center; color: #ffffff;">
                            <h1 style="margin: 0; font-size: 24px;">Thank you for your order</h1>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 32px 40px;">
                            <p style="color: #374151; font-size: 16px; margin: 0 0 8px 0;">Order #{{.ID}}</p>
                            {{if .ReceiptNumber}}<p style="color: #6b7280; font-size: 14px; margin: 0 0 24px 0;">M-Pesa receipt {{.ReceiptNumber}}</p>{{end}}
                            <table width="100%" style="border-collapse: collapse;">
                                <tr>
                                    <th style="text-align: left; padding: 8px; border-bottom: 2px solid #1f6f43;">Product</th>
                                    <th style="text-align: right; padding: 8px; border-bottom: 2px solid #1f6f43;">Qty</th>
                                    <th style="text-align: right; padding: 8px; border-bottom: 2px solid #1f6f43;">Amount</th>
                                </tr>
                                {{range .Items}}
                                <tr>
                                    <td style="padding: 8px; border-bottom: 1px solid #e5e7eb;">{{.ProductName}}</td>
                                    <td style="padding: 8px; border-bottom: 1px solid #e5e7eb; text-align: right;">{{.Quantity}}</td>
                                    <td style="padding: 8px; border-bottom: 1px solid #e5e7eb; text-align: right;">{{ksh (subtotal .)}}</td>
                                </tr>
                                {{end}}
                            </table>
                            <p style="color: #1f6f43; font-size: 18px; font-weight: 700; text-align: right; margin: 24px 0 0 0;">Total paid: {{ksh .Amount}}</p>
                        </td>
                    </tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>`))

func RenderReceipt(order *models.Order) (string, error) {
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, order); err != nil {
		return "", fmt.Errorf("failed to render receipt: %w", err)
	}
	return buf.String(), nil
}
