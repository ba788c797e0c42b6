package commerce

import "time"

// Product types understood by the payload builder.
const (
	ProductSimple    = "simple"
	ProductVariable  = "variable"
	ProductVariation = "variation"
	ProductGrouped   = "grouped"
)

// Order statuses. Paid statuses are processing and completed.
const (
	StatusPending    = "pending"
	StatusOnHold     = "on-hold"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
	StatusFailed     = "failed"
)

// IsPaidStatus reports whether status means the order has been paid for.
func IsPaidStatus(status string) bool {
	return status == StatusProcessing || status == StatusCompleted
}

// ValidStatus reports whether status is one of the known order statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusOnHold, StatusProcessing, StatusCompleted,
		StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Category is a product category (taxonomy term).
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Attribute is a single variation attribute, e.g. {"Color", "Blue"}.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Product is a sellable catalog entry. Variations point to their variable
// parent through ParentID.
type Product struct {
	ID           int64       `json:"id"`
	Type         string      `json:"type"`
	Name         string      `json:"name"`
	RegularPrice float64     `json:"regular_price"`
	SalePrice    float64     `json:"sale_price,omitempty"`
	ParentID     int64       `json:"parent_id,omitempty"`
	CategoryIDs  []int64     `json:"category_ids"`
	Attributes   []Attribute `json:"attributes,omitempty"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"product_id"`
	VariationID int64   `json:"variation_id,omitempty"`
	Name        string  `json:"name"`
	Quantity    int     `json:"quantity"`
	Total       float64 `json:"total"`
}

// Order represents a checkout with its totals and lines.
type Order struct {
	ID            int64       `json:"id"`
	OrderKey      string      `json:"order_key"`
	OrderNumber   string      `json:"order_number"`
	Status        string      `json:"status"`
	CustomerID    int64       `json:"customer_id,omitempty"`
	Currency      string      `json:"currency"`
	Total         float64     `json:"total"`
	CartTax       float64     `json:"cart_tax"`
	ShippingTotal float64     `json:"shipping_total"`
	ShippingTax   float64     `json:"shipping_tax"`
	PaymentMethod string      `json:"payment_method_title"`
	CouponCodes   []string    `json:"coupon_codes,omitempty"`
	Items         []OrderItem `json:"items"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewOrder is the input used to place an order.
type NewOrder struct {
	CustomerID    int64          `json:"customer_id"`
	Currency      string         `json:"currency"`
	Status        string         `json:"status"`
	CartTax       float64        `json:"cart_tax"`
	ShippingTotal float64        `json:"shipping_total"`
	ShippingTax   float64        `json:"shipping_tax"`
	PaymentMethod string         `json:"payment_method_title"`
	CouponCodes   []string       `json:"coupon_codes"`
	Discount      float64        `json:"discount"`
	Items         []NewOrderItem `json:"items"`
}

// NewOrderItem is a requested order line.
type NewOrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
