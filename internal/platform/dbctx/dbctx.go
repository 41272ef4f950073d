package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos fall back to their own *gorm.DB handle when Tx is nil, so the same
// repo method works inside an aggregate transaction and standalone.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// New returns a Context without a transaction.
func New(ctx context.Context) Context {
	return Context{Ctx: ctx}
}
