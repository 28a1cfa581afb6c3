// Package mongo implements the persistent store on MongoDB. One Store
// serves every repository port; collections mirror the entities with
// snake_case documents, and the two multi-document invariants (message
// append + sender last_read, wallet balance + ledger entry) run inside
// session transactions.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongoc "mathia.chat/mathia/features/store/mongo/clients/mongo"
	"mathia.chat/mathia/runtime/store"
)

// Collection names.
const (
	collUsers       = "users"
	collRooms       = "rooms"
	collRoomKeys    = "room_keys"
	collMembers     = "memberships"
	collMessages    = "messages"
	collReminders   = "reminders"
	collWallets     = "wallets"
	collWalletTxns  = "wallet_txns"
	collCredentials = "credentials"
	collNotes       = "notes"
	collItineraries = "itineraries"
)

// Store implements the repository ports on MongoDB.
type Store struct {
	client mongoc.Client
}

// New builds a Store using the provided client and creates the indexes
// the queries depend on.
func New(ctx context.Context, client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo: client is required")
	}
	s := &Store{client: client}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return s, nil
}

// Stores bundles the repositories for wiring.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Users:       (*usersRepo)(s),
		Rooms:       (*roomsRepo)(s),
		Members:     (*membersRepo)(s),
		Messages:    (*messagesRepo)(s),
		Reminders:   (*remindersRepo)(s),
		Wallets:     (*walletsRepo)(s),
		Credentials: (*credentialsRepo)(s),
		Notes:       (*notesRepo)(s),
		Itineraries: (*itinerariesRepo)(s),
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	sparseUnique := options.Index().SetUnique(true).SetSparse(true)
	for coll, models := range map[string][]mongodriver.IndexModel{
		collUsers: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique},
		},
		collRooms: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "kind", Value: 1}}},
			{Keys: bson.D{{Key: "flagged", Value: 1}}},
			{Keys: bson.D{{Key: "summary_updated_at", Value: 1}}},
		},
		collRoomKeys: {
			{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "version", Value: 1}}, Options: unique},
		},
		collMembers: {
			{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		collMessages: {
			{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		collReminders: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_at", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		collWallets: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "currency", Value: 1}}, Options: unique},
		},
		collWalletTxns: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "currency", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "external_ref", Value: 1}}, Options: sparseUnique},
		},
		collCredentials: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}}, Options: unique},
		},
		collNotes: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		collItineraries: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	} {
		opCtx, cancel := s.client.WithTimeout(ctx)
		_, err := s.client.Collection(coll).Indexes().CreateMany(opCtx, models)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

// mapErr translates driver errors to the store sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return store.ErrNotFound
	case mongodriver.IsDuplicateKeyError(err):
		return store.ErrDuplicateKey
	default:
		return err
	}
}

// findOne decodes a single document into out with the operation timeout
// applied.
func (s *Store) findOne(ctx context.Context, coll string, filter bson.M, out any) error {
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	return mapErr(s.client.Collection(coll).FindOne(opCtx, filter).Decode(out))
}

func (s *Store) insertOne(ctx context.Context, coll string, doc any) error {
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	_, err := s.client.Collection(coll).InsertOne(opCtx, doc)
	return mapErr(err)
}

// updateOne applies update to the first match and reports ErrNotFound
// when nothing matched.
func (s *Store) updateOne(ctx context.Context, coll string, filter, update bson.M) error {
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	res, err := s.client.Collection(coll).UpdateOne(opCtx, filter, update)
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// findAll decodes every match into a slice of *T ordered by sort.
func findAll[T any](ctx context.Context, s *Store, coll string, filter bson.M, opts *options.FindOptions) ([]*T, error) {
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	cur, err := s.client.Collection(coll).Find(opCtx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	defer cur.Close(opCtx)
	var out []*T
	for cur.Next(opCtx) {
		doc := new(T)
		if err := cur.Decode(doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

func now() time.Time { return time.Now().UTC() }
