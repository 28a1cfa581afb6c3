package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mathia.chat/mathia/runtime/store"
)

// --- Users ---

type usersRepo Store

func (r *usersRepo) Create(ctx context.Context, u *store.User) error {
	return (*Store)(r).insertOne(ctx, collUsers, fromUser(u))
}

func (r *usersRepo) Get(ctx context.Context, id string) (*store.User, error) {
	var doc userDoc
	if err := (*Store)(r).findOne(ctx, collUsers, bson.M{"_id": id}, &doc); err != nil {
		return nil, err
	}
	return doc.toUser(), nil
}

func (r *usersRepo) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	var doc userDoc
	if err := (*Store)(r).findOne(ctx, collUsers, bson.M{"username": username}, &doc); err != nil {
		return nil, err
	}
	return doc.toUser(), nil
}

func (r *usersRepo) Deactivate(ctx context.Context, id string) error {
	return (*Store)(r).updateOne(ctx, collUsers,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": false}})
}

// --- Members ---

type membersRepo Store

func (r *membersRepo) Add(ctx context.Context, mb *store.Membership) error {
	return (*Store)(r).insertOne(ctx, collMembers, memberDoc{
		RoomID:     mb.RoomID,
		UserID:     mb.UserID,
		Role:       string(mb.Role),
		JoinedAt:   mb.JoinedAt.UTC(),
		LastReadAt: mb.LastReadAt.UTC(),
	})
}

func (r *membersRepo) Remove(ctx context.Context, roomID, userID string) error {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	res, err := s.client.Collection(collMembers).DeleteOne(opCtx, bson.M{"room_id": roomID, "user_id": userID})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *membersRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	n, err := s.client.Collection(collMembers).CountDocuments(opCtx, bson.M{"room_id": roomID, "user_id": userID})
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (r *membersRepo) Get(ctx context.Context, roomID, userID string) (*store.Membership, error) {
	var doc memberDoc
	if err := (*Store)(r).findOne(ctx, collMembers, bson.M{"room_id": roomID, "user_id": userID}, &doc); err != nil {
		return nil, err
	}
	return doc.toMembership(), nil
}

func (r *membersRepo) List(ctx context.Context, roomID string) ([]*store.Membership, error) {
	docs, err := findAll[memberDoc](ctx, (*Store)(r), collMembers,
		bson.M{"room_id": roomID},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Membership, len(docs))
	for i, d := range docs {
		out[i] = d.toMembership()
	}
	return out, nil
}

func (r *membersRepo) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	// $max keeps the marker monotonic under concurrent readers.
	return (*Store)(r).updateOne(ctx, collMembers,
		bson.M{"room_id": roomID, "user_id": userID},
		bson.M{"$max": bson.M{"last_read_at": at.UTC()}})
}
