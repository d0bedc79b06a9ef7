package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/takeout-platform/api/internal/repositories"
)

// Registry bundles the Postgres repositories behind repositories.Registry.
type Registry struct {
	db        *sql.DB
	orders    *OrderRepository
	carts     *CartRepository
	addresses *AddressRepository
	health    repositories.HealthRepository
	uow       *UnitOfWork
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository against db. health may be nil when readiness is not served.
func NewRegistry(db *sql.DB, health repositories.HealthRepository, opts ...TxOption) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry: database is required")
	}
	orders, err := NewOrderRepository(db)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(db)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(db)
	if err != nil {
		return nil, err
	}
	return &Registry{
		db:        db,
		orders:    orders,
		carts:     carts,
		addresses: addresses,
		health:    health,
		uow:       NewUnitOfWork(db, opts...),
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository      { return r.orders }
func (r *Registry) Carts() repositories.CartRepository        { return r.carts }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Health() repositories.HealthRepository     { return r.health }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}
