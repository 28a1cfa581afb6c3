package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mathia.chat/mathia/runtime/store"
)

// --- Credentials ---

type credentialsRepo Store

func (r *credentialsRepo) Put(ctx context.Context, c *store.IntegrationCredential) error {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	_, err := s.client.Collection(collCredentials).UpdateOne(opCtx,
		bson.M{"user_id": c.UserID, "provider": c.Provider},
		bson.M{"$set": credentialDoc{
			UserID:     c.UserID,
			Provider:   c.Provider,
			Ciphertext: c.Ciphertext,
			Nonce:      c.Nonce,
			ExpiresAt:  c.ExpiresAt,
		}},
		options.Update().SetUpsert(true))
	return mapErr(err)
}

func (r *credentialsRepo) Get(ctx context.Context, userID, provider string) (*store.IntegrationCredential, error) {
	var doc credentialDoc
	err := (*Store)(r).findOne(ctx, collCredentials, bson.M{"user_id": userID, "provider": provider}, &doc)
	if err != nil {
		return nil, err
	}
	return doc.toCredential(), nil
}

func (r *credentialsRepo) Revoke(ctx context.Context, userID, provider string) error {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	res, err := s.client.Collection(collCredentials).DeleteOne(opCtx,
		bson.M{"user_id": userID, "provider": provider})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Notes ---

type notesRepo Store

func (r *notesRepo) Create(ctx context.Context, n *store.Note) error {
	return (*Store)(r).insertOne(ctx, collNotes, noteDoc{
		ID:         n.ID,
		UserID:     n.UserID,
		Ciphertext: n.Ciphertext,
		Nonce:      n.Nonce,
		CreatedAt:  n.CreatedAt.UTC(),
		UpdatedAt:  n.UpdatedAt.UTC(),
	})
}

func (r *notesRepo) Get(ctx context.Context, id, userID string) (*store.Note, error) {
	var doc noteDoc
	if err := (*Store)(r).findOne(ctx, collNotes, bson.M{"_id": id, "user_id": userID}, &doc); err != nil {
		return nil, err
	}
	return doc.toNote(), nil
}

func (r *notesRepo) ListForUser(ctx context.Context, userID string) ([]*store.Note, error) {
	docs, err := findAll[noteDoc](ctx, (*Store)(r), collNotes,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Note, len(docs))
	for i, d := range docs {
		out[i] = d.toNote()
	}
	return out, nil
}

func (r *notesRepo) Update(ctx context.Context, n *store.Note) error {
	return (*Store)(r).updateOne(ctx, collNotes,
		bson.M{"_id": n.ID, "user_id": n.UserID},
		bson.M{"$set": bson.M{
			"ciphertext": n.Ciphertext,
			"nonce":      n.Nonce,
			"updated_at": n.UpdatedAt.UTC(),
		}})
}

func (r *notesRepo) Delete(ctx context.Context, id, userID string) error {
	s := (*Store)(r)
	opCtx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	res, err := s.client.Collection(collNotes).DeleteOne(opCtx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Itineraries ---

type itinerariesRepo Store

func (r *itinerariesRepo) Create(ctx context.Context, it *store.Itinerary) error {
	return (*Store)(r).insertOne(ctx, collItineraries, fromItinerary(it))
}

func (r *itinerariesRepo) Get(ctx context.Context, id string) (*store.Itinerary, error) {
	var doc itineraryDoc
	if err := (*Store)(r).findOne(ctx, collItineraries, bson.M{"_id": id}, &doc); err != nil {
		return nil, err
	}
	return doc.toItinerary(), nil
}

func (r *itinerariesRepo) ListForUser(ctx context.Context, userID string) ([]*store.Itinerary, error) {
	docs, err := findAll[itineraryDoc](ctx, (*Store)(r), collItineraries,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Itinerary, len(docs))
	for i, d := range docs {
		out[i] = d.toItinerary()
	}
	return out, nil
}
