// Package payload turns commerce orders and products into GA4 ecommerce
// parameters.
package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"example.com/conversion-relay/internal/commerce"
)

// ErrInvalidOrder is returned when the order cannot be resolved.
var ErrInvalidOrder = errors.New("invalid order")

// Item is one product line in GA4 ecommerce format.
type Item struct {
	ItemID       string   `json:"item_id"`
	ItemName     string   `json:"item_name"`
	ItemCategory string   `json:"item_category"`
	Price        *float64 `json:"price,omitempty"`
	Discount     *float64 `json:"discount,omitempty"`
	ItemVariant  string   `json:"item_variant,omitempty"`
	Quantity     int      `json:"quantity,omitempty"`
}

// Purchase is the parameter set of a GA4 purchase event.
type Purchase struct {
	TransactionID string  `json:"transaction_id"`
	Value         float64 `json:"value"`
	Tax           float64 `json:"tax"`
	Shipping      float64 `json:"shipping"`
	Currency      string  `json:"currency"`
	Coupon        string  `json:"coupon"`
	Affiliation   string  `json:"affiliation"`
	PaymentType   string  `json:"payment_type"`
	Items         []Item  `json:"items"`
}

// Params flattens the purchase into event parameters.
func (p Purchase) Params() map[string]any {
	items := p.Items
	if items == nil {
		items = []Item{}
	}
	return map[string]any{
		"transaction_id": p.TransactionID,
		"value":          p.Value,
		"tax":            p.Tax,
		"shipping":       p.Shipping,
		"currency":       p.Currency,
		"coupon":         p.Coupon,
		"affiliation":    p.Affiliation,
		"payment_type":   p.PaymentType,
		"items":          items,
	}
}

// PageContext carries what the current page adds to item data. Category is
// the name of the category listing being viewed, if any.
type PageContext struct {
	Category string
}

// Catalog is the read side of the commerce store.
type Catalog interface {
	GetOrder(ctx context.Context, id int64) (commerce.Order, error)
	GetProduct(ctx context.Context, id int64) (commerce.Product, error)
	GetCategory(ctx context.Context, id int64) (commerce.Category, error)
	ListVariations(ctx context.Context, parentID int64) ([]commerce.Product, error)
}

// Builder assembles purchase and item payloads from the catalog.
type Builder struct {
	catalog  Catalog
	shopName string
	logger   *slog.Logger
}

func NewBuilder(catalog Catalog, shopName string, logger *slog.Logger) *Builder {
	return &Builder{catalog: catalog, shopName: shopName, logger: logger}
}

// BuildPurchase loads the order and returns its purchase parameters. Lines
// whose product no longer resolves are skipped.
func (b *Builder) BuildPurchase(ctx context.Context, orderID int64, page PageContext) (Purchase, error) {
	if orderID <= 0 {
		return Purchase{}, fmt.Errorf("order %d: %w", orderID, ErrInvalidOrder)
	}
	order, err := b.catalog.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, commerce.ErrNotFound) {
			return Purchase{}, fmt.Errorf("order %d: %w", orderID, ErrInvalidOrder)
		}
		return Purchase{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	return b.PurchaseFromOrder(ctx, order, page), nil
}

// PurchaseFromOrder builds purchase parameters from an already loaded order.
func (b *Builder) PurchaseFromOrder(ctx context.Context, order commerce.Order, page PageContext) Purchase {
	items := make([]Item, 0, len(order.Items))
	for _, line := range order.Items {
		id := line.ProductID
		if line.VariationID != 0 {
			id = line.VariationID
		}
		item, err := b.BuildItem(ctx, id, page)
		if err != nil {
			b.logger.Warn("skipping order item", "order_id", order.ID, "product_id", id, "error", err)
			continue
		}
		item.Quantity = line.Quantity
		items = append(items, item)
	}

	return Purchase{
		TransactionID: order.OrderNumber,
		Value:         order.Total,
		Tax:           order.CartTax,
		Shipping:      order.ShippingTotal + order.ShippingTax,
		Currency:      order.Currency,
		Coupon:        strings.Join(order.CouponCodes, ", "),
		Affiliation:   b.shopName,
		PaymentType:   order.PaymentMethod,
		Items:         items,
	}
}

// BuildItem returns GA4 item data for a product or variation id.
func (b *Builder) BuildItem(ctx context.Context, productID int64, page PageContext) (Item, error) {
	p, err := b.catalog.GetProduct(ctx, productID)
	if err != nil {
		return Item{}, fmt.Errorf("load product %d: %w", productID, err)
	}

	item := Item{
		ItemID:       strconv.FormatInt(p.ID, 10),
		ItemName:     p.Name,
		ItemCategory: b.firstCategory(ctx, p.CategoryIDs),
	}
	if page.Category != "" {
		item.ItemCategory = page.Category
	}

	switch p.Type {
	case commerce.ProductVariable:
		price, err := b.minVariationPrice(ctx, p.ID)
		if err != nil {
			return Item{}, err
		}
		item.Price = &price
	case commerce.ProductGrouped:
	default:
		price := p.RegularPrice
		item.Price = &price
	}

	if p.SalePrice > 0 {
		discount := p.RegularPrice - p.SalePrice
		item.Discount = &discount
	}

	if p.Type == commerce.ProductVariation {
		values := make([]string, 0, len(p.Attributes))
		for _, a := range p.Attributes {
			values = append(values, a.Value)
		}
		item.ItemVariant = strings.Join(values, ", ")

		if parent, err := b.catalog.GetProduct(ctx, p.ParentID); err == nil {
			if cat := b.firstCategory(ctx, parent.CategoryIDs); cat != "" {
				item.ItemCategory = cat
			}
		}
	}
	return item, nil
}

func (b *Builder) firstCategory(ctx context.Context, ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	cat, err := b.catalog.GetCategory(ctx, ids[0])
	if err != nil {
		return ""
	}
	return cat.Name
}

func (b *Builder) minVariationPrice(ctx context.Context, parentID int64) (float64, error) {
	vars, err := b.catalog.ListVariations(ctx, parentID)
	if err != nil {
		return 0, fmt.Errorf("variation prices for %d: %w", parentID, err)
	}
	var (
		lowest float64
		found  bool
	)
	for _, v := range vars {
		if !found || v.RegularPrice < lowest {
			lowest = v.RegularPrice
			found = true
		}
	}
	return lowest, nil
}
