package mongostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/store"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestStore connects to MARKBOOK_MONGO_URI using a throwaway database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MARKBOOK_MONGO_URI")
	if uri == "" {
		t.Skip("MARKBOOK_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := fmt.Sprintf("markbook_test_%d", time.Now().UnixNano())
	s, err := Open(ctx, uri, db)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.accounts.Database().Drop(context.Background())
		_ = s.Close()
	})
	return s
}

func seed(t *testing.T, s *Store, id, username string) *model.Account {
	t.Helper()
	acc, err := model.NewPendingAccount(id, username, username+"@school.test", model.RoleAdmin, "confirm-"+id, t0)
	require.NoError(t, err)
	require.NoError(t, acc.SetCredentials("hash-"+id, "salt-"+id))
	require.NoError(t, s.CreateAccount(context.Background(), acc))
	return acc
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "a1", "alice")

	got, err := s.GetAccountByEmail(ctx, "alice@school.test")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.CreatedAt.Equal(t0))

	pending, err := s.GetPendingAccountByConfirmation(ctx, "confirm-a1")
	require.NoError(t, err)
	require.NoError(t, pending.Activate())
	require.NoError(t, s.SaveAccount(ctx, pending))
	assert.Equal(t, int64(2), pending.Version)

	_, err = s.GetPendingAccountByConfirmation(ctx, "confirm-a1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDuplicateAndStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "a1", "alice")

	dup, _ := model.NewPendingAccount("a2", "alice", "x@school.test", model.RoleAdmin, "c", t0)
	assert.True(t, errors.Is(s.CreateAccount(ctx, dup), store.ErrDuplicate))

	exists, err := s.AccountExists(ctx, "nobody@school.test", "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	first, _ := s.GetAccount(ctx, "a1")
	second, _ := s.GetAccount(ctx, "a1")
	require.NoError(t, first.ChangeRole(model.RoleSuperadmin))
	require.NoError(t, s.SaveAccount(ctx, first))

	second.Suspend()
	assert.True(t, errors.Is(s.SaveAccount(ctx, second), store.ErrStale))

	n, err := s.CountAccountsByRole(ctx, model.RoleSuperadmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "a1", "alice")
	require.NoError(t, s.AppendActivity(ctx, &model.ActivityEntry{AccountID: "a1", Action: model.ActionLogin, CreatedAt: t0}))

	require.NoError(t, s.DeleteAccount(ctx, "a1"))
	_, err := s.GetAccount(ctx, "a1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, total, err := s.ListActivity(ctx, "a1", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	err = s.DeleteAccount(ctx, "a1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	list, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestActivityPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "a1", "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(ctx, &model.ActivityEntry{
			AccountID: "a1",
			Action:    model.ActionLogin,
			Details:   fmt.Sprintf("login %d", i),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := s.ListActivity(ctx, "a1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "login 2", page[0].Details)
}
