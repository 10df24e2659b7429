package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/medrelay/api/internal/platform/firestore"
	"github.com/medrelay/api/internal/repositories"
)

// Registry bundles the Firestore repository set behind the storage-agnostic
// interfaces, sharing one client provider and one transactional unit of work.
type Registry struct {
	requests *RequestRepository
	orders   *OrderRepository
	stock    *StockRepository
	uow      *unitOfWork
}

// NewRegistry constructs the Firestore repository registry.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	requests, err := NewRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		requests: requests,
		orders:   orders,
		stock:    stock,
		uow:      &unitOfWork{provider: provider},
	}, nil
}

// Requests returns the medication request repository.
func (r *Registry) Requests() repositories.RequestRepository { return r.requests }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Stock returns the stock repository.
func (r *Registry) Stock() repositories.StockRepository { return r.stock }

// UnitOfWork returns the transaction coordinator shared by the repositories.
func (r *Registry) UnitOfWork() repositories.UnitOfWork { return r.uow }

type unitOfWork struct {
	provider *pfirestore.Provider
}

// RunInTx executes fn inside one Firestore transaction. Repository calls made
// with the context passed to fn stage their reads and writes on that
// transaction; Firestore aborts and retries the whole closure on contention.
func (u *unitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("unit of work requires a function")
	}
	return u.provider.RunTransaction(ctx, pfirestore.TxFunc(fn))
}
