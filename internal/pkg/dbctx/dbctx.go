package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos fall back to their own handle when Tx is nil, so callers only pass a
// transaction when writes need grouping.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// New wraps a bare context with no transaction.
func New(ctx context.Context) Context {
	return Context{Ctx: ctx}
}
