package service

import (
	"context"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
)

// Activity paging limits.
const (
	DefaultActivityLimit = 10
	MaxActivityLimit     = 100
)

// Directory serves read-only account listings.
type Directory struct {
	*deps
}

// List returns every account.
func (d *Directory) List(ctx context.Context) ([]model.Account, error) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		return nil, storeErr(err, "account not found")
	}
	return accounts, nil
}

// Get returns one account.
func (d *Directory) Get(ctx context.Context, id string) (*model.Account, error) {
	acc, err := d.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storeErr(err, "account not found")
	}
	return acc, nil
}

// Activity returns one page (1-based) of the account's activity, newest
// first.
func (d *Directory) Activity(ctx context.Context, accountID string, page, limit int) (*model.Page, error) {
	if page < 1 {
		return nil, apperr.New(apperr.ErrValidation, "page must be at least 1")
	}
	if limit < 1 || limit > MaxActivityLimit {
		return nil, apperr.New(apperr.ErrValidation, "limit must be between 1 and 100")
	}
	if _, err := d.Get(ctx, accountID); err != nil {
		return nil, err
	}

	entries, total, err := d.store.ListActivity(ctx, accountID, limit, (page-1)*limit)
	if err != nil {
		return nil, storeErr(err, "account not found")
	}
	return &model.Page{Items: entries, Page: page, Limit: limit, Total: total}, nil
}

// Ping reports whether the store is reachable.
func (d *Directory) Ping(ctx context.Context) error {
	return d.store.Ping(ctx)
}
