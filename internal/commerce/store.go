package commerce

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an order, product or category does not exist.
var ErrNotFound = errors.New("not found")

// Store contains the catalog and order persistence used by the relay.
type Store struct {
	db  *sql.DB
	now func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewStore wires a commerce data store backed by SQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Init applies schema migrations for the commerce tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS categories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			regular_price REAL NOT NULL DEFAULT 0,
			sale_price REAL NOT NULL DEFAULT 0,
			parent_id INTEGER,
			category_ids TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_products_parent ON products(parent_id);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_key TEXT NOT NULL UNIQUE,
			order_number TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			customer_id INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			total REAL NOT NULL,
			cart_tax REAL NOT NULL DEFAULT 0,
			shipping_total REAL NOT NULL DEFAULT 0,
			shipping_tax REAL NOT NULL DEFAULT 0,
			payment_method TEXT NOT NULL DEFAULT '',
			coupon_codes TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			variation_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			total REAL NOT NULL,
			FOREIGN KEY(order_id) REFERENCES orders(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply commerce schema: %w", err)
		}
	}
	return nil
}

// CreateCategory registers a product category.
func (s *Store) CreateCategory(ctx context.Context, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, errors.New("category name required")
	}
	slug := slugify(name)
	res, err := s.db.ExecContext(ctx, `INSERT INTO categories(name, slug) VALUES (?, ?)`, name, slug)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Category{}, fmt.Errorf("category id: %w", err)
	}
	return Category{ID: id, Name: name, Slug: slug}, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(ctx context.Context, id int64) (Category, error) {
	var c Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name, slug FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, fmt.Errorf("category %d: %w", id, ErrNotFound)
		}
		return Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

// GetCategoryBySlug resolves a category listing page to its category.
func (s *Store) GetCategoryBySlug(ctx context.Context, slug string) (Category, error) {
	var c Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name, slug FROM categories WHERE slug = ?`, slug).
		Scan(&c.ID, &c.Name, &c.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, fmt.Errorf("category %q: %w", slug, ErrNotFound)
		}
		return Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

// CreateProduct stores a product. Variations must reference an existing
// variable parent.
func (s *Store) CreateProduct(ctx context.Context, p Product) (Product, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Product{}, errors.New("product name required")
	}
	switch p.Type {
	case "":
		p.Type = ProductSimple
	case ProductSimple, ProductVariable, ProductGrouped:
	case ProductVariation:
		parent, err := s.GetProduct(ctx, p.ParentID)
		if err != nil {
			return Product{}, fmt.Errorf("variation parent: %w", err)
		}
		if parent.Type != ProductVariable {
			return Product{}, fmt.Errorf("variation parent %d is %s, not variable", parent.ID, parent.Type)
		}
	default:
		return Product{}, fmt.Errorf("unknown product type %q", p.Type)
	}
	if p.CategoryIDs == nil {
		p.CategoryIDs = []int64{}
	}
	cats, err := json.Marshal(p.CategoryIDs)
	if err != nil {
		return Product{}, fmt.Errorf("marshal categories: %w", err)
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return Product{}, fmt.Errorf("marshal attributes: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products(type, name, regular_price, sale_price, parent_id, category_ids, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Type, p.Name, p.RegularPrice, p.SalePrice, nullIfZero(p.ParentID), string(cats), string(attrs),
	)
	if err != nil {
		return Product{}, fmt.Errorf("insert product: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return Product{}, fmt.Errorf("product id: %w", err)
	}
	return p, nil
}

const productColumns = `id, type, name, regular_price, sale_price, COALESCE(parent_id, 0), category_ids, attributes`

// GetProduct fetches a product or variation by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
		}
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListVariations returns the variations of a variable product.
func (s *Store) ListVariations(ctx context.Context, parentID int64) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE parent_id = ? AND type = ? ORDER BY id`,
		parentID, ProductVariation)
	if err != nil {
		return nil, fmt.Errorf("list variations: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variation: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter variations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p           Product
		cats, attrs string
	)
	if err := row.Scan(&p.ID, &p.Type, &p.Name, &p.RegularPrice, &p.SalePrice, &p.ParentID, &cats, &attrs); err != nil {
		return Product{}, err
	}
	if err := json.Unmarshal([]byte(cats), &p.CategoryIDs); err != nil {
		return Product{}, fmt.Errorf("decode categories: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return Product{}, fmt.Errorf("decode attributes: %w", err)
	}
	return p, nil
}

// CreateOrder places an order, pricing each line from the catalog.
func (s *Store) CreateOrder(ctx context.Context, in NewOrder) (Order, error) {
	if len(in.Items) == 0 {
		return Order{}, errors.New("order needs at least one item")
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	if !ValidStatus(in.Status) {
		return Order{}, fmt.Errorf("unknown order status %q", in.Status)
	}

	order := Order{
		OrderKey:      "wc_order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:13],
		Status:        in.Status,
		CustomerID:    in.CustomerID,
		Currency:      strings.ToUpper(in.Currency),
		CartTax:       in.CartTax,
		ShippingTotal: in.ShippingTotal,
		ShippingTax:   in.ShippingTax,
		PaymentMethod: in.PaymentMethod,
		CouponCodes:   in.CouponCodes,
		CreatedAt:     s.now(),
	}

	subtotal := 0.0
	for _, line := range in.Items {
		if line.Quantity < 1 {
			return Order{}, fmt.Errorf("product %d: quantity must be at least 1", line.ProductID)
		}
		p, err := s.GetProduct(ctx, line.ProductID)
		if err != nil {
			return Order{}, err
		}
		item := OrderItem{ProductID: p.ID, Name: p.Name, Quantity: line.Quantity}
		if p.Type == ProductVariation {
			item.ProductID = p.ParentID
			item.VariationID = p.ID
		}
		item.Total = round2(effectivePrice(p) * float64(line.Quantity))
		subtotal += item.Total
		order.Items = append(order.Items, item)
	}
	order.Total = round2(subtotal - in.Discount + in.CartTax + in.ShippingTotal + in.ShippingTax)

	coupons, err := json.Marshal(nonNil(order.CouponCodes))
	if err != nil {
		return Order{}, fmt.Errorf("marshal coupons: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(order_key, status, customer_id, currency, total, cart_tax, shipping_total, shipping_tax, payment_method, coupon_codes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderKey, order.Status, order.CustomerID, order.Currency, order.Total, order.CartTax,
		order.ShippingTotal, order.ShippingTax, order.PaymentMethod, string(coupons), order.CreatedAt,
	)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	if order.ID, err = res.LastInsertId(); err != nil {
		return Order{}, fmt.Errorf("order id: %w", err)
	}
	order.OrderNumber = strconv.FormatInt(order.ID, 10)
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET order_number = ? WHERE id = ?`, order.OrderNumber, order.ID); err != nil {
		return Order{}, fmt.Errorf("number order: %w", err)
	}

	for i := range order.Items {
		it := &order.Items[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO order_items(order_id, product_id, variation_id, name, quantity, total) VALUES (?, ?, ?, ?, ?, ?)`,
			order.ID, it.ProductID, it.VariationID, it.Name, it.Quantity, it.Total,
		)
		if err != nil {
			return Order{}, fmt.Errorf("insert order item: %w", err)
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return Order{}, fmt.Errorf("order item id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("commit order: %w", err)
	}
	return order, nil
}

// GetOrder loads an order together with its lines.
func (s *Store) GetOrder(ctx context.Context, id int64) (Order, error) {
	var (
		o       Order
		coupons string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, order_key, order_number, status, customer_id, currency, total, cart_tax, shipping_total, shipping_tax, payment_method, coupon_codes, created_at
		 FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.OrderKey, &o.OrderNumber, &o.Status, &o.CustomerID, &o.Currency, &o.Total, &o.CartTax,
			&o.ShippingTotal, &o.ShippingTax, &o.PaymentMethod, &coupons, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	if err := json.Unmarshal([]byte(coupons), &o.CouponCodes); err != nil {
		return Order{}, fmt.Errorf("decode coupons: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, variation_id, name, quantity, total FROM order_items WHERE order_id = ? ORDER BY id`, id)
	if err != nil {
		return Order{}, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.ProductID, &it.VariationID, &it.Name, &it.Quantity, &it.Total); err != nil {
			return Order{}, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Order{}, fmt.Errorf("iter order items: %w", err)
	}
	return o, nil
}

// UpdateOrderStatus moves an order to status and returns the previous status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status string) (string, error) {
	if !ValidStatus(status) {
		return "", fmt.Errorf("unknown order status %q", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	var old string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&old); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("load order status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, id); err != nil {
		return "", fmt.Errorf("update order status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit order status: %w", err)
	}
	return old, nil
}

// PayOrder moves an unpaid order to processing. It reports the previous
// status and whether anything changed; paid orders are not touched.
func (s *Store) PayOrder(ctx context.Context, id int64) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin pay tx: %w", err)
	}
	defer tx.Rollback()

	var old string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&old); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return "", false, fmt.Errorf("load order status: %w", err)
	}
	if IsPaidStatus(old) {
		return old, false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, StatusProcessing, id); err != nil {
		return "", false, fmt.Errorf("pay order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit pay: %w", err)
	}
	return old, true, nil
}

var currencies = []string{"USD", "EUR", "GBP"}

// CreateRandomOrder places an order of one to three random simple or
// variation products. Useful to exercise the tracking pipeline end to end.
func (s *Store) CreateRandomOrder(ctx context.Context, customerID int64) (Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products WHERE type IN (?, ?) ORDER BY RANDOM() LIMIT 3`,
		ProductSimple, ProductVariation)
	if err != nil {
		return Order{}, fmt.Errorf("pick products: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Order{}, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return Order{}, errors.New("no products available for a random order")
	}

	// rand.Rand is not safe for concurrent handlers.
	s.rndMu.Lock()
	in := NewOrder{
		CustomerID:    customerID,
		Currency:      currencies[s.rnd.Intn(len(currencies))],
		CartTax:       round2(float64(s.rnd.Intn(500)) / 100),
		ShippingTotal: 4.99,
		ShippingTax:   0.5,
		PaymentMethod: "Credit card",
	}
	for _, id := range ids {
		in.Items = append(in.Items, NewOrderItem{ProductID: id, Quantity: 1 + s.rnd.Intn(3)})
	}
	s.rndMu.Unlock()
	return s.CreateOrder(ctx, in)
}

func effectivePrice(p Product) float64 {
	if p.SalePrice > 0 {
		return p.SalePrice
	}
	return p.RegularPrice
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
