package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

type productRepository struct {
	db    *DB
	clock func() time.Time
}

var _ repositories.ProductRepository = productRepository{}

func (r productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	return r.load(ctx, productID, false)
}

// MutateStock locks the product row with SELECT … FOR UPDATE, applies fn and writes the new quantities.
func (r productRepository) MutateStock(ctx context.Context, productID string, fn repositories.StockMutation) (domain.Product, error) {
	if fn == nil {
		return domain.Product{}, errors.New("product repository: stock mutation is required")
	}
	var updated domain.Product
	err := r.db.RunInTx(ctx, func(ctx context.Context) error {
		product, err := r.load(ctx, productID, true)
		if err != nil {
			return err
		}
		if err := fn(&product); err != nil {
			return err
		}
		product.UpdatedAt = r.clock().UTC()

		q := r.db.q(ctx)
		if _, err := q.Exec(ctx, `UPDATE products SET quantity = $2, in_stock = $3, updated_at = $4 WHERE id = $1`,
			product.ID, product.Quantity, product.InStock, product.UpdatedAt); err != nil {
			return wrapError("products.update", err)
		}
		for i, v := range product.Variants {
			if _, err := q.Exec(ctx, `UPDATE product_variants SET quantity = $3, in_stock = $4 WHERE product_id = $1 AND position = $2`,
				product.ID, i, v.Quantity, v.InStock); err != nil {
				return wrapError("products.update_variant", err)
			}
		}
		updated = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// EnsureExists inserts the product and ignores an existing row.
func (r productRepository) EnsureExists(ctx context.Context, p domain.Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("product repository: product id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.clock().UTC()
	}
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		tag, err := q.Exec(ctx, `INSERT INTO products (id, name, category, price, quantity, in_stock, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Category, p.Price, p.Quantity, p.InStock, p.UpdatedAt)
		if err != nil {
			return wrapError("products.ensure", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for i, v := range p.Variants {
			if _, err := q.Exec(ctx, `INSERT INTO product_variants (product_id, position, id, size, color, quantity, in_stock)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				p.ID, i, v.ID, v.Size, v.Color, v.Quantity, v.InStock); err != nil {
				return wrapError("products.ensure_variant", err)
			}
		}
		return nil
	})
}

func (r productRepository) load(ctx context.Context, productID string, lock bool) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, notFound("products.get", "product")
	}
	query := `SELECT id, name, category, price, quantity, in_stock, updated_at FROM products WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	q := r.db.q(ctx)

	var p domain.Product
	if err := q.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Quantity, &p.InStock, &p.UpdatedAt); err != nil {
		return domain.Product{}, wrapError("products.get", err)
	}
	rows, err := q.Query(ctx, `SELECT id, size, color, quantity, in_stock FROM product_variants
		WHERE product_id = $1 ORDER BY position`, id)
	if err != nil {
		return domain.Product{}, wrapError("products.get_variants", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ProductVariant, error) {
		var v domain.ProductVariant
		err := row.Scan(&v.ID, &v.Size, &v.Color, &v.Quantity, &v.InStock)
		return v, err
	})
	if err != nil {
		return domain.Product{}, wrapError("products.get_variants", err)
	}
	if len(variants) > 0 {
		p.Variants = variants
	}
	return p, nil
}

type discountRepository struct {
	db *DB
}

var _ repositories.DiscountRepository = discountRepository{}

const discountColumnsSQL = `code, type, value::text, min_purchase, max_discount, usage_limit, used_count,
	valid_from, valid_until, is_active, updated_at`

func (r discountRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	code = strings.TrimSpace(code)
	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+discountColumnsSQL+` FROM discount_codes WHERE code = $1`, code)
	d, err := scanDiscount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
	}
	if err != nil {
		return domain.DiscountCode{}, wrapError("discounts.get", err)
	}
	return d, nil
}

// IncrementUsage performs the bounded increment in one statement. When no row is updated a
// follow-up read tells an unknown code apart from an exhausted one.
func (r discountRepository) IncrementUsage(ctx context.Context, code string, at time.Time) (domain.DiscountCode, error) {
	code = strings.TrimSpace(code)
	q := r.db.q(ctx)
	row := q.QueryRow(ctx, `UPDATE discount_codes
		SET used_count = used_count + 1, updated_at = $2
		WHERE code = $1 AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING `+discountColumnsSQL, code, at.UTC())
	d, err := scanDiscount(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.DiscountCode{}, wrapError("discounts.increment", err)
	}
	if _, findErr := r.FindByCode(ctx, code); findErr != nil {
		return domain.DiscountCode{}, findErr
	}
	return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorUsageLimitReached, code)
}

func scanDiscount(row pgx.Row) (domain.DiscountCode, error) {
	var (
		d     domain.DiscountCode
		kind  string
		value string
	)
	if err := row.Scan(&d.Code, &kind, &value, &d.MinPurchase, &d.MaxDiscount, &d.UsageLimit, &d.UsedCount,
		&d.ValidFrom, &d.ValidUntil, &d.IsActive, &d.UpdatedAt); err != nil {
		return domain.DiscountCode{}, err
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return domain.DiscountCode{}, err
	}
	d.Type = domain.DiscountType(kind)
	d.Value = parsed
	return d, nil
}

type userRepository struct {
	db *DB
}

var _ repositories.UserRepository = userRepository{}

const userColumns = `id, email, name, kind, created_at, updated_at`

func (r userRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	return r.findOne(ctx, "users.get", `SELECT `+userColumns+` FROM users WHERE id = $1`, strings.TrimSpace(userID))
}

func (r userRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.findOne(ctx, "users.get_by_email", `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
}

// CreateGuest relies on the unique lower(email) index to report a concurrent insert as a conflict.
func (r userRepository) CreateGuest(ctx context.Context, u domain.User) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, string(domain.AccountKindGuest), u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	return wrapError("users.create_guest", err)
}

func (r userRepository) findOne(ctx context.Context, op, query, arg string) (domain.User, error) {
	if arg == "" {
		return domain.User{}, notFound(op, "user")
	}
	var (
		u    domain.User
		kind string
	)
	err := r.db.q(ctx).QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &kind, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, wrapError(op, err)
	}
	u.Kind = domain.AccountKind(kind)
	return u, nil
}
