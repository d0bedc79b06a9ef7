package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

// CartRepository reads and clears shopping cart rows.
type CartRepository struct {
	db *sql.DB
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a CartRepository.
func NewCartRepository(db *sql.DB) (*CartRepository, error) {
	if db == nil {
		return nil, errors.New("cart repository: database is required")
	}
	return &CartRepository{db: db}, nil
}

func (r *CartRepository) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT id, user_id, name, image, dish_id, setmeal_id, dish_flavor,
quantity, unit_amount, created_at FROM shopping_cart WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, WrapError("cart.list", err)
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var (
			item      domain.CartItem
			dishID    sql.NullInt64
			setmealID sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.Image, &dishID, &setmealID, &item.DishFlavor,
			&item.Quantity, &item.UnitAmount, &item.CreatedAt); err != nil {
			return nil, WrapError("cart.list", err)
		}
		item.DishID = int64Ptr(dishID)
		item.SetmealID = int64Ptr(setmealID)
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("cart.list", err)
	}
	return items, nil
}

func (r *CartRepository) InsertBatch(ctx context.Context, items []domain.CartItem) error {
	q := conn(ctx, r.db)
	for _, item := range items {
		_, err := q.ExecContext(ctx, `INSERT INTO shopping_cart (user_id, name, image, dish_id, setmeal_id, dish_flavor,
quantity, unit_amount, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.UserID, item.Name, item.Image, nullInt64(item.DishID), nullInt64(item.SetmealID), item.DishFlavor,
			item.Quantity, item.UnitAmount, item.CreatedAt)
		if err != nil {
			return WrapError("cart.insert", err)
		}
	}
	return nil
}

func (r *CartRepository) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM shopping_cart WHERE user_id = $1`, userID); err != nil {
		return WrapError("cart.clear", err)
	}
	return nil
}
