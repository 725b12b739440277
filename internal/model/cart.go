package model

import "time"

// ProductMatch is one search hit on the retailer.
type ProductMatch struct {
	ProductID string      `json:"product_id"`
	Name      string      `json:"name"`
	Price     string      `json:"price,omitempty"`
	Size      string      `json:"size,omitempty"`
	Backend   BackendName `json:"backend"`
}

// CartLine is one product line in a cart.
type CartLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
}

// CartSnapshot is the cart as reported by a backend after a call.
type CartSnapshot struct {
	Lines []CartLine `json:"lines"`
}

// QuantityOf returns the quantity of productID in the cart.
func (c CartSnapshot) QuantityOf(productID string) float64 {
	var q float64
	for _, l := range c.Lines {
		if l.ProductID == productID {
			q += l.Quantity
		}
	}
	return q
}

// DeliveryDetails carries what checkout needs beyond the cart.
type DeliveryDetails struct {
	Address        string `json:"address,omitempty"`
	Window         string `json:"window,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// OrderConfirmation is returned by a successful checkout.
type OrderConfirmation struct {
	OrderID     string      `json:"order_id"`
	Total       string      `json:"total,omitempty"`
	DeliveryETA string      `json:"delivery_eta,omitempty"`
	Backend     BackendName `json:"backend"`
	PlacedAt    time.Time   `json:"placed_at"`
}
