package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mathia.chat/mathia/runtime/store"
)

type roomsRepo Store

func (r *roomsRepo) Create(ctx context.Context, room *store.Room) error {
	s := (*Store)(r)
	if room.Kind == store.RoomAI {
		// One assistant room per user.
		existing, err := r.AssistantRoomFor(ctx, room.OwnerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil {
			return store.ErrDuplicateKey
		}
	}
	if room.KeyVersion == 0 {
		room.KeyVersion = 1
	}
	return s.client.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.insertOne(txCtx, collRooms, fromRoom(room)); err != nil {
			return err
		}
		return s.insertOne(txCtx, collRoomKeys, roomKeyDoc{
			RoomID:    room.ID,
			Wrapped:   room.WrappedKey,
			Version:   room.KeyVersion,
			CreatedAt: now(),
		})
	})
}

func (r *roomsRepo) Get(ctx context.Context, id string) (*store.Room, error) {
	var doc roomDoc
	if err := (*Store)(r).findOne(ctx, collRooms, bson.M{"_id": id}, &doc); err != nil {
		return nil, err
	}
	return doc.toRoom(), nil
}

func (r *roomsRepo) ListForUser(ctx context.Context, userID string) ([]*store.Room, error) {
	s := (*Store)(r)
	memberships, err := findAll[memberDoc](ctx, s, collMembers, bson.M{"user_id": userID}, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(memberships))
	for i, m := range memberships {
		ids[i] = m.RoomID
	}
	docs, err := findAll[roomDoc](ctx, s, collRooms,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Room, len(docs))
	for i, d := range docs {
		out[i] = d.toRoom()
	}
	return out, nil
}

func (r *roomsRepo) AssistantRoomFor(ctx context.Context, userID string) (*store.Room, error) {
	var doc roomDoc
	err := (*Store)(r).findOne(ctx, collRooms, bson.M{"owner_id": userID, "kind": string(store.RoomAI)}, &doc)
	if err != nil {
		return nil, err
	}
	return doc.toRoom(), nil
}

func (r *roomsRepo) Archive(ctx context.Context, id string) error {
	return (*Store)(r).updateOne(ctx, collRooms,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"archived": true}})
}

func (r *roomsRepo) RotateKey(ctx context.Context, roomID, wrapped string) (int, error) {
	s := (*Store)(r)
	var version int
	err := s.client.WithTransaction(ctx, func(txCtx context.Context) error {
		opCtx, cancel := s.client.WithTimeout(txCtx)
		defer cancel()
		var doc roomDoc
		err := s.client.Collection(collRooms).FindOneAndUpdate(opCtx,
			bson.M{"_id": roomID},
			bson.M{"$inc": bson.M{"key_version": 1}, "$set": bson.M{"wrapped_key": wrapped}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return store.ErrNotFound
			}
			return err
		}
		version = doc.KeyVersion
		return s.insertOne(txCtx, collRoomKeys, roomKeyDoc{
			RoomID:    roomID,
			Wrapped:   wrapped,
			Version:   version,
			CreatedAt: now(),
		})
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *roomsRepo) SetSummary(ctx context.Context, roomID, summary string, at time.Time) error {
	return (*Store)(r).updateOne(ctx, collRooms,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"summary": summary, "summary_updated_at": at.UTC()}})
}

func (r *roomsRepo) SetFlagged(ctx context.Context, roomID string, flagged bool) error {
	return (*Store)(r).updateOne(ctx, collRooms,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"flagged": flagged}})
}

func (r *roomsRepo) ListFlagged(ctx context.Context) ([]*store.Room, error) {
	docs, err := findAll[roomDoc](ctx, (*Store)(r), collRooms,
		bson.M{"flagged": true, "archived": false},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Room, len(docs))
	for i, d := range docs {
		out[i] = d.toRoom()
	}
	return out, nil
}

func (r *roomsRepo) ListStaleSummaries(ctx context.Context, staleBefore time.Time, limit int) ([]*store.Room, error) {
	opts := options.Find().SetSort(bson.D{{Key: "summary_updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	docs, err := findAll[roomDoc](ctx, (*Store)(r), collRooms,
		bson.M{"archived": false, "summary_updated_at": bson.M{"$lt": staleBefore.UTC()}},
		opts)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Room, 0, len(docs))
	for _, d := range docs {
		room := d.toRoom()
		// Quiet rooms with no history are not worth summarizing.
		hasMsg, err := r.hasMessages(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		if hasMsg {
			out = append(out, room)
		}
	}
	return out, nil
}

func (r *roomsRepo) hasMessages(ctx context.Context, roomID string) (bool, error) {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	n, err := s.client.Collection(collMessages).CountDocuments(opCtx,
		bson.M{"room_id": roomID}, options.Count().SetLimit(1))
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (r *roomsRepo) ActiveKey(ctx context.Context, roomID string) (string, int, error) {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return "", 0, err
	}
	return room.WrappedKey, room.KeyVersion, nil
}

func (r *roomsRepo) KeyAt(ctx context.Context, roomID string, version int) (string, error) {
	var doc roomKeyDoc
	err := (*Store)(r).findOne(ctx, collRoomKeys, bson.M{"room_id": roomID, "version": version}, &doc)
	if err != nil {
		return "", err
	}
	return doc.Wrapped, nil
}
