package repository

import (
	"context"

	"gorm.io/gorm"
)

// Transactor runs fn with repositories bound to one database transaction.
// Nothing fn wrote is kept when it returns an error.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *Repositories) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

func (t gormTransactor) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
