package fulfillment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/settings"
)

// InvoiceCode derives the invoice code from the order code.
func InvoiceCode(orderCode string) string {
	return "INV-" + orderCode
}

// BuildInvoice bills a shipped order. The surcharge is added before tax and
// the tax amount is rounded to cents.
func BuildInvoice(order Order, shipmentID int64, charges settings.Charges, issuedAt time.Time) Invoice {
	subtotal := order.TotalAmount.Add(charges.ShippingSurcharge)
	tax := subtotal.Mul(charges.TaxRate).Round(2)
	return Invoice{
		Code:              InvoiceCode(order.Code),
		OrderID:           order.ID,
		ShipmentID:        shipmentID,
		OrderTotal:        order.TotalAmount,
		ShippingSurcharge: charges.ShippingSurcharge,
		Subtotal:          subtotal,
		TaxRate:           charges.TaxRate,
		TaxAmount:         tax,
		Total:             subtotal.Add(tax),
		PaymentStatus:     PaymentStatusPending,
		IssuedAt:          issuedAt,
	}
}

// LineTotal sums the subtotals of lines.
func LineTotal(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal)
	}
	return total
}
