// Package mongostore keeps accounts and their activity trail in MongoDB.
// It satisfies the same contract as the SQL store, including optimistic
// versioning on save.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/store"
)

const (
	accountsCollection = "accounts"
	activityCollection = "account_activity"
)

// Store is the MongoDB implementation of the account store.
type Store struct {
	client   *mongo.Client
	accounts *mongo.Collection
	activity *mongo.Collection
}

// Open connects to uri, selects database and ensures the indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		accounts: db.Collection(accountsCollection),
		activity: db.Collection(activityCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "confirmation_token_hash", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "reset_token_hash", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "role", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}
	_, err = s.activity.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create activity index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks that the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// CreateAccount inserts a new account with version 1.
func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.CreatedAt
	acc.Version = 1

	if _, err := s.accounts.InsertOne(ctx, acc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert account: %w", store.ErrDuplicate)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.findAccount(ctx, "get account", bson.M{"_id": id})
}

// GetAccountByEmail returns an account by email address.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.findAccount(ctx, "get account by email", bson.M{"email": email})
}

// GetPendingAccountByConfirmation returns the pending account whose
// confirmation token has the given fingerprint.
func (s *Store) GetPendingAccountByConfirmation(ctx context.Context, tokenHash string) (*model.Account, error) {
	return s.findAccount(ctx, "get account by confirmation token", bson.M{
		"confirmation_token_hash": tokenHash,
		"status":                  model.StatusPending,
	})
}

// GetAccountByResetToken returns the account holding the reset token with
// the given fingerprint.
func (s *Store) GetAccountByResetToken(ctx context.Context, tokenHash string) (*model.Account, error) {
	return s.findAccount(ctx, "get account by reset token", bson.M{"reset_token_hash": tokenHash})
}

func (s *Store) findAccount(ctx context.Context, op string, filter bson.M) (*model.Account, error) {
	var acc model.Account
	if err := s.accounts.FindOne(ctx, filter).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return normalize(&acc), nil
}

// normalize converts decoded timestamps back to UTC.
func normalize(acc *model.Account) *model.Account {
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	for _, ts := range []*time.Time{acc.ResetOTPExpiresAt, acc.ResetTokenExpiresAt, acc.LastLoginAt} {
		if ts != nil {
			*ts = ts.UTC()
		}
	}
	return acc
}

// AccountExists reports whether any account already uses email or username.
func (s *Store) AccountExists(ctx context.Context, email, username string) (bool, error) {
	n, err := s.accounts.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"email": email},
		bson.M{"username": username},
	}})
	if err != nil {
		return false, fmt.Errorf("check account exists: %w", err)
	}
	return n > 0, nil
}

// ListAccounts returns every account ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "username", Value: 1}})
	cur, err := s.accounts.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := []model.Account{}
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i := range accounts {
		normalize(&accounts[i])
	}
	return accounts, nil
}

// DeleteAccount removes an account along with its activity trail.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.accounts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	if _, err := s.activity.DeleteMany(ctx, bson.M{"account_id": id}); err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return nil
}

// CountAccountsByRole returns how many accounts hold role.
func (s *Store) CountAccountsByRole(ctx context.Context, role model.Role) (int, error) {
	n, err := s.accounts.CountDocuments(ctx, bson.M{"role": role})
	if err != nil {
		return 0, fmt.Errorf("count accounts by role: %w", err)
	}
	return int(n), nil
}

// SaveAccount replaces the stored document if its version still equals
// acc.Version; on success acc.Version is advanced.
func (s *Store) SaveAccount(ctx context.Context, acc *model.Account) error {
	next := *acc
	next.Version = acc.Version + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := s.accounts.ReplaceOne(ctx, bson.M{"_id": acc.ID, "version": acc.Version}, &next)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("update account: %w", store.ErrDuplicate)
		}
		return fmt.Errorf("update account: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAccount(ctx, acc.ID); err != nil {
			return err
		}
		return store.ErrStale
	}
	*acc = next
	return nil
}

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
	if _, err := s.activity.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns a page of an account's activity, newest first, along
// with the total number of entries.
func (s *Store) ListActivity(ctx context.Context, accountID string, limit, offset int) ([]model.ActivityEntry, int, error) {
	filter := bson.M{"account_id": accountID}
	total, err := s.activity.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.activity.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}
	entries := []model.ActivityEntry{}
	if err := cur.All(ctx, &entries); err != nil {
		return nil, 0, fmt.Errorf("decode activity: %w", err)
	}
	for i := range entries {
		entries[i].CreatedAt = entries[i].CreatedAt.UTC()
	}
	return entries, int(total), nil
}
