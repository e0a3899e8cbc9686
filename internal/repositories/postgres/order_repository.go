package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const orderColumns = `id, order_number, user_id, customer_email, customer_name, status, currency,
	subtotal, discount, shipping, tax, total, discount_code, discount_type, shipping_address_id,
	payment_method, payment_reference, tracking_number, shipping_method, fingerprint,
	created_at, updated_at, paid_at, shipped_at, delivered_at, completed_at, cancelled_at, refunded_at`

type orderRepository struct {
	db *DB
}

var _ repositories.OrderRepository = orderRepository{}

// Insert writes the header and its items. The UNIQUE order_number constraint reports duplicates as conflicts.
func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order repository: order number is required")
	}
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		code, kind := discountColumns(order.Discount)
		_, err := q.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25, $26, $27, $28)`,
			order.ID, order.OrderNumber, order.UserID, order.CustomerEmail, order.CustomerName,
			string(order.Status), order.Currency,
			order.Totals.Subtotal, order.Totals.Discount, order.Totals.Shipping, order.Totals.Tax, order.Totals.Total,
			code, kind, order.ShippingAddressID,
			string(order.PaymentMethod), order.PaymentReference, order.TrackingNumber, order.ShippingMethod, order.Fingerprint,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
			order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CompletedAt, order.CancelledAt, order.RefundedAt,
		)
		if err != nil {
			return wrapError("orders.insert", err)
		}

		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(`INSERT INTO order_items (order_id, position, product_id, name, unit_price, quantity, size, color, category)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				order.ID, i, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.Size, item.Color, item.Category)
		}
		if batch.Len() == 0 {
			return nil
		}
		return wrapError("orders.insert_items", q.SendBatch(ctx, batch).Close())
	})
}

// Update rewrites the mutable header columns when the row is still at expected. Items are frozen at insert.
func (r orderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	code, kind := discountColumns(order.Discount)
	q := r.db.q(ctx)
	tag, err := q.Exec(ctx, `UPDATE orders SET
			status = $2, customer_name = $3, discount_code = $4, discount_type = $5,
			payment_reference = $6, tracking_number = $7, shipping_method = $8, updated_at = $9,
			paid_at = $10, shipped_at = $11, delivered_at = $12, completed_at = $13, cancelled_at = $14, refunded_at = $15
		WHERE order_number = $1 AND status = $16`,
		order.OrderNumber, string(order.Status), order.CustomerName, code, kind,
		order.PaymentReference, order.TrackingNumber, order.ShippingMethod, order.UpdatedAt.UTC(),
		order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CompletedAt, order.CancelledAt, order.RefundedAt,
		string(expected),
	)
	if err != nil {
		return wrapError("orders.update", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, order.OrderNumber).Scan(&exists); err != nil {
		return wrapError("orders.update", err)
	}
	if !exists {
		return notFound("orders.update", "order")
	}
	return stale("orders.update", "order status")
}

// FindByNumber loads the header, its items and the shipping address snapshot.
func (r orderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, notFound("orders.get", "order")
	}
	q := r.db.q(ctx)

	var (
		order          domain.Order
		status, method string
		discountCode   *string
		discountType   *string
	)
	err := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number).Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &order.CustomerEmail, &order.CustomerName, &status, &order.Currency,
		&order.Totals.Subtotal, &order.Totals.Discount, &order.Totals.Shipping, &order.Totals.Tax, &order.Totals.Total,
		&discountCode, &discountType, &order.ShippingAddressID,
		&method, &order.PaymentReference, &order.TrackingNumber, &order.ShippingMethod, &order.Fingerprint,
		&order.CreatedAt, &order.UpdatedAt,
		&order.PaidAt, &order.ShippedAt, &order.DeliveredAt, &order.CompletedAt, &order.CancelledAt, &order.RefundedAt,
	)
	if err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(method)
	if discountCode != nil && *discountCode != "" {
		applied := domain.AppliedDiscount{Code: *discountCode}
		if discountType != nil {
			applied.Type = domain.DiscountType(*discountType)
		}
		order.Discount = &applied
	}

	rows, err := q.Query(ctx, `SELECT product_id, name, unit_price, quantity, size, color, category
		FROM order_items WHERE order_id = $1 ORDER BY position`, order.ID)
	if err != nil {
		return domain.Order{}, wrapError("orders.get_items", err)
	}
	order.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.Size, &item.Color, &item.Category)
		return item, err
	})
	if err != nil {
		return domain.Order{}, wrapError("orders.get_items", err)
	}

	if order.ShippingAddressID != "" {
		addr, err := addressRepository{db: r.db}.find(ctx, order.ShippingAddressID)
		switch {
		case err == nil:
			order.ShippingAddress = &addr
		case isNotFound(err):
		default:
			return domain.Order{}, err
		}
	}
	return order, nil
}

func discountColumns(d *domain.AppliedDiscount) (*string, *string) {
	if d == nil || d.Code == "" {
		return nil, nil
	}
	code := d.Code
	kind := string(d.Type)
	return &code, &kind
}

type addressRepository struct {
	db *DB
}

var _ repositories.AddressRepository = addressRepository{}

func (r addressRepository) Insert(ctx context.Context, a domain.Address) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO addresses
			(id, user_id, recipient, email, line1, line2, city, state, postal_code, country, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.UserID, a.Recipient, a.Email, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.Phone, a.CreatedAt.UTC(),
	)
	return wrapError("addresses.insert", err)
}

func (r addressRepository) find(ctx context.Context, id string) (domain.Address, error) {
	var a domain.Address
	err := r.db.q(ctx).QueryRow(ctx, `SELECT id, user_id, recipient, email, line1, line2, city, state, postal_code, country, phone, created_at
		FROM addresses WHERE id = $1`, id).Scan(
		&a.ID, &a.UserID, &a.Recipient, &a.Email, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.Phone, &a.CreatedAt,
	)
	if err != nil {
		return domain.Address{}, wrapError("addresses.get", err)
	}
	return a, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
