package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mathia.chat/mathia/runtime/store"
)

type messagesRepo Store

// Append persists the message and advances the sender's last_read marker
// in one transaction. The pipeline serializes appends per room, but the
// timestamp clamp runs here too so order can never invert if a second
// writer appears.
func (r *messagesRepo) Append(ctx context.Context, m *store.Message) error {
	s := (*Store)(r)

	if m.ParentID != "" {
		parent, err := r.Get(ctx, m.ParentID)
		if err != nil {
			return err
		}
		if parent.RoomID != m.RoomID {
			return store.ErrNotFound
		}
	}

	return s.client.WithTransaction(ctx, func(txCtx context.Context) error {
		last, err := r.lastTimestamp(txCtx, m.RoomID)
		if err != nil {
			return err
		}
		if !last.IsZero() && !m.Timestamp.After(last) {
			m.Timestamp = last.Add(time.Millisecond)
		}
		if err := s.insertOne(txCtx, collMessages, fromMessage(m)); err != nil {
			return err
		}
		err = s.updateOne(txCtx, collMembers,
			bson.M{"room_id": m.RoomID, "user_id": m.SenderID},
			bson.M{"$max": bson.M{"last_read_at": m.Timestamp.UTC()}})
		if errors.Is(err, store.ErrNotFound) {
			// Assistant and system senders are not members.
			return nil
		}
		return err
	})
}

func (r *messagesRepo) lastTimestamp(ctx context.Context, roomID string) (time.Time, error) {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	var doc messageDoc
	err := s.client.Collection(collMessages).FindOne(opCtx,
		bson.M{"room_id": roomID},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(mapErr(err), store.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, mapErr(err)
	}
	return doc.Timestamp, nil
}

func (r *messagesRepo) Get(ctx context.Context, id string) (*store.Message, error) {
	var doc messageDoc
	if err := (*Store)(r).findOne(ctx, collMessages, bson.M{"_id": id}, &doc); err != nil {
		return nil, err
	}
	return doc.toMessage(), nil
}

func (r *messagesRepo) PageBefore(ctx context.Context, roomID, cursor string, limit int) (*store.MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"room_id": roomID, "deleted": bson.M{"$ne": true}}
	if cursor != "" {
		anchor, err := r.Get(ctx, cursor)
		if err != nil {
			return nil, err
		}
		filter["timestamp"] = bson.M{"$lt": anchor.Timestamp.UTC()}
	}
	docs, err := findAll[messageDoc](ctx, (*Store)(r), collMessages, filter,
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetLimit(int64(limit)+1))
	if err != nil {
		return nil, err
	}
	page := &store.MessagePage{}
	more := len(docs) > limit
	if more {
		docs = docs[:limit]
	}
	for _, d := range docs {
		page.Messages = append(page.Messages, d.toMessage())
	}
	if more && len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].ID
	}
	return page, nil
}

func (r *messagesRepo) RecentSince(ctx context.Context, roomID string, since time.Time, limit int) ([]*store.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	docs, err := findAll[messageDoc](ctx, (*Store)(r), collMessages,
		bson.M{
			"room_id":   roomID,
			"deleted":   bson.M{"$ne": true},
			"timestamp": bson.M{"$gt": since.UTC()},
		}, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Message, len(docs))
	for i, d := range docs {
		out[i] = d.toMessage()
	}
	return out, nil
}

func (r *messagesRepo) SetModerated(ctx context.Context, id string) error {
	return (*Store)(r).updateOne(ctx, collMessages,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"moderated": true}})
}

func (r *messagesRepo) SetPinned(ctx context.Context, id string, pinned bool) error {
	return (*Store)(r).updateOne(ctx, collMessages,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"pinned": pinned}})
}

func (r *messagesRepo) SoftDelete(ctx context.Context, id string) error {
	return (*Store)(r).updateOne(ctx, collMessages,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"deleted": true}})
}
