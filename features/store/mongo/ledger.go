package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mathia.chat/mathia/runtime/store"
)

// --- Reminders ---

type remindersRepo Store

func (r *remindersRepo) Create(ctx context.Context, rem *store.Reminder) error {
	if rem.Status == "" {
		rem.Status = store.ReminderPending
	}
	return (*Store)(r).insertOne(ctx, collReminders, fromReminder(rem))
}

func (r *remindersRepo) Get(ctx context.Context, id string) (*store.Reminder, error) {
	var doc reminderDoc
	if err := (*Store)(r).findOne(ctx, collReminders, bson.M{"_id": id}, &doc); err != nil {
		return nil, err
	}
	return doc.toReminder(), nil
}

func (r *remindersRepo) ListForUser(ctx context.Context, userID string) ([]*store.Reminder, error) {
	docs, err := findAll[reminderDoc](ctx, (*Store)(r), collReminders,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Reminder, len(docs))
	for i, d := range docs {
		out[i] = d.toReminder()
	}
	return out, nil
}

// ClaimDue flips due pending reminders to dispatching one at a time with
// FindOneAndUpdate, so each reminder is claimed by exactly one worker
// even when several dispatchers poll concurrently.
func (r *remindersRepo) ClaimDue(ctx context.Context, nowAt time.Time, limit int) ([]*store.Reminder, error) {
	s := (*Store)(r)
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{
		"status": string(store.ReminderPending),
		"due_at": bson.M{"$lte": nowAt.UTC()},
		"$or": bson.A{
			bson.M{"next_attempt_at": bson.M{"$exists": false}},
			bson.M{"next_attempt_at": bson.M{"$lte": nowAt.UTC()}},
		},
	}
	var out []*store.Reminder
	for len(out) < limit {
		opCtx, cancel := s.client.WithTimeout(ctx)
		var doc reminderDoc
		err := s.client.Collection(collReminders).FindOneAndUpdate(opCtx,
			filter,
			bson.M{"$set": bson.M{"status": string(store.ReminderDispatching)}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "due_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		cancel()
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return nil, mapErr(err)
		}
		out = append(out, doc.toReminder())
	}
	return out, nil
}

func (r *remindersRepo) MarkFired(ctx context.Context, id string, attempt int) error {
	return r.finish(ctx, id, attempt, store.ReminderFired)
}

func (r *remindersRepo) MarkFailed(ctx context.Context, id string, attempt int) error {
	return r.finish(ctx, id, attempt, store.ReminderFailed)
}

func (r *remindersRepo) finish(ctx context.Context, id string, attempt int, status store.ReminderStatus) error {
	err := (*Store)(r).updateOne(ctx, collReminders,
		bson.M{"_id": id, "status": string(store.ReminderDispatching)},
		bson.M{"$set": bson.M{"status": string(status), "attempts": attempt}})
	if errors.Is(err, store.ErrNotFound) {
		return r.conflictOrMissing(ctx, id)
	}
	return err
}

func (r *remindersRepo) ScheduleRetry(ctx context.Context, id string, attempt int, nextAt time.Time) error {
	err := (*Store)(r).updateOne(ctx, collReminders,
		bson.M{"_id": id, "status": string(store.ReminderDispatching)},
		bson.M{"$set": bson.M{
			"status":          string(store.ReminderPending),
			"attempts":        attempt,
			"next_attempt_at": nextAt.UTC(),
		}})
	if errors.Is(err, store.ErrNotFound) {
		return r.conflictOrMissing(ctx, id)
	}
	return err
}

func (r *remindersRepo) Cancel(ctx context.Context, id, userID string) error {
	err := (*Store)(r).updateOne(ctx, collReminders,
		bson.M{"_id": id, "user_id": userID, "status": string(store.ReminderPending)},
		bson.M{"$set": bson.M{"status": string(store.ReminderCanceled)}})
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	// Distinguish a missing or foreign reminder from a state conflict.
	rem, getErr := r.Get(ctx, id)
	if getErr != nil || rem.UserID != userID {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}

// conflictOrMissing resolves a zero-match update on a status-guarded
// filter into the precise sentinel.
func (r *remindersRepo) conflictOrMissing(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrVersionConflict
}

// --- Wallets ---

type walletsRepo Store

func (r *walletsRepo) Get(ctx context.Context, userID, currency string) (*store.Wallet, error) {
	var doc walletDoc
	err := (*Store)(r).findOne(ctx, collWallets, bson.M{"user_id": userID, "currency": currency}, &doc)
	if err != nil {
		return nil, err
	}
	return doc.toWallet(), nil
}

// Apply mutates the balance and appends the ledger entry in one
// transaction. The unique sparse index on external_ref turns webhook
// replays into ErrDuplicateKey before any balance change commits.
func (r *walletsRepo) Apply(ctx context.Context, userID, currency string, deltaMinor int64, reason, externalRef string) (*store.Wallet, error) {
	s := (*Store)(r)
	var result *store.Wallet
	err := s.client.WithTransaction(ctx, func(txCtx context.Context) error {
		wallet, err := r.Get(txCtx, userID, currency)
		if errors.Is(err, store.ErrNotFound) {
			overdraft := false
			if u, uerr := (*usersRepo)(s).Get(txCtx, userID); uerr == nil {
				overdraft = u.Overdraft
			}
			wallet = &store.Wallet{UserID: userID, Currency: currency, Overdraft: overdraft}
			if err := s.insertOne(txCtx, collWallets, walletDoc{
				UserID:    userID,
				Currency:  currency,
				Overdraft: overdraft,
				UpdatedAt: now(),
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		next := wallet.BalanceMinor + deltaMinor
		if next < 0 && !wallet.Overdraft {
			return store.ErrInsufficientFunds
		}
		at := now()
		if err := s.insertOne(txCtx, collWalletTxns, walletTxnDoc{
			ID:          uuid.NewString(),
			UserID:      userID,
			Currency:    currency,
			DeltaMinor:  deltaMinor,
			Reason:      reason,
			ExternalRef: externalRef,
			CreatedAt:   at,
		}); err != nil {
			return err
		}
		if err := s.updateOne(txCtx, collWallets,
			bson.M{"user_id": userID, "currency": currency},
			bson.M{"$set": bson.M{"balance_minor": next, "updated_at": at}}); err != nil {
			return err
		}
		wallet.BalanceMinor = next
		wallet.UpdatedAt = at
		result = wallet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *walletsRepo) ListTxns(ctx context.Context, userID, currency string, limit int) ([]*store.WalletTxn, error) {
	if limit <= 0 || limit > store.MaxTxnPage {
		limit = store.MaxTxnPage
	}
	docs, err := findAll[walletTxnDoc](ctx, (*Store)(r), collWalletTxns,
		bson.M{"user_id": userID, "currency": currency},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	out := make([]*store.WalletTxn, len(docs))
	for i, d := range docs {
		out[i] = d.toTxn()
	}
	return out, nil
}
