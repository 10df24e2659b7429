package domain

// TaxRatePercent is the flat tax rate applied to order subtotals.
const TaxRatePercent = 5

// OrderTotals captures the rolled-up monetary results of pricing an order.
type OrderTotals struct {
	Subtotal    int64
	DeliveryFee int64
	Tax         int64
	Total       int64
}

// TaxFor computes the flat tax on a subtotal in minor units, rounding half away
// from zero.
func TaxFor(subtotal int64) int64 {
	raw := subtotal * TaxRatePercent
	if raw >= 0 {
		return (raw + 50) / 100
	}
	return (raw - 50) / 100
}

// PriceOrder sums line totals and applies the delivery fee and flat tax.
func PriceOrder(items []OrderItem, deliveryFee int64) OrderTotals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	tax := TaxFor(subtotal)
	return OrderTotals{
		Subtotal:    subtotal,
		DeliveryFee: deliveryFee,
		Tax:         tax,
		Total:       subtotal + deliveryFee + tax,
	}
}
