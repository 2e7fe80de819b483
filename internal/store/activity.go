package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/markbook/markbook/internal/model"
)

// ---------------------------------------------------------------------------
// Activity trail
// ---------------------------------------------------------------------------

// AppendActivity records an activity entry. A missing ID is generated.
func (s *Store) AppendActivity(ctx context.Context, e *model.ActivityEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate activity id: %w", err)
		}
		e.ID = id.String()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO account_activity (id, account_id, actor_id, action, details, created_at)
		 VALUES (:id, :account_id, :actor_id, :action, :details, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns a page of an account's activity, newest first, along
// with the total number of entries.
func (s *Store) ListActivity(ctx context.Context, accountID string, limit, offset int) ([]model.ActivityEntry, int, error) {
	var total int
	q := s.db.Rebind("SELECT COUNT(*) FROM account_activity WHERE account_id = ?")
	if err := s.db.GetContext(ctx, &total, q, accountID); err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	entries := []model.ActivityEntry{}
	q = s.db.Rebind(`SELECT id, account_id, actor_id, action, details, created_at
		FROM account_activity WHERE account_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &entries, q, accountID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}
	return entries, total, nil
}
