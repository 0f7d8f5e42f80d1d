package commission

import (
	"context"
	"sync/atomic"

	"gorm.io/gorm"

	"donation-reconciler/pkg/db/option"
	"donation-reconciler/pkg/repository"
)

type countingRepo struct {
	loads *atomic.Int32
}

func (r *countingRepo) WithTrx(*gorm.DB) repository.Repository[Ambassador] { return r }

func (r *countingRepo) Find(context.Context, *Ambassador, ...option.QueryOption) ([]*Ambassador, error) {
	return nil, nil
}

func (r *countingRepo) FindOne(_ context.Context, q *Ambassador, _ ...option.QueryOption) (*Ambassador, error) {
	r.loads.Add(1)
	return &Ambassador{Code: q.Code, Active: true}, nil
}

func (r *countingRepo) Create(context.Context, *Ambassador) error         { return nil }
func (r *countingRepo) Update(context.Context, string, any) error         { return nil }
func (r *countingRepo) Count(context.Context, *Ambassador) (int64, error) { return 0, nil }
