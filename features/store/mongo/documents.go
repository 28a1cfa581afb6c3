package mongo

import (
	"time"

	"mathia.chat/mathia/runtime/store"
)

// Document types mirror the entities with snake_case BSON keys. The
// entity ID maps to _id wherever the entity has a natural primary key.

type (
	userDoc struct {
		ID           string    `bson:"_id"`
		Username     string    `bson:"username"`
		Email        string    `bson:"email"`
		PasswordHash []byte    `bson:"password_hash"`
		Admin        bool      `bson:"admin"`
		Active       bool      `bson:"active"`
		Overdraft    bool      `bson:"overdraft"`
		CreatedAt    time.Time `bson:"created_at"`
	}

	roomDoc struct {
		ID               string    `bson:"_id"`
		Kind             string    `bson:"kind"`
		DisplayName      string    `bson:"display_name"`
		OwnerID          string    `bson:"owner_id"`
		CreatedAt        time.Time `bson:"created_at"`
		WrappedKey       string    `bson:"wrapped_key"`
		KeyVersion       int       `bson:"key_version"`
		Archived         bool      `bson:"archived"`
		Flagged          bool      `bson:"flagged"`
		Summary          string    `bson:"summary,omitempty"`
		SummaryUpdatedAt time.Time `bson:"summary_updated_at"`
	}

	roomKeyDoc struct {
		RoomID    string    `bson:"room_id"`
		Wrapped   string    `bson:"wrapped"`
		Version   int       `bson:"version"`
		CreatedAt time.Time `bson:"created_at"`
	}

	memberDoc struct {
		RoomID     string    `bson:"room_id"`
		UserID     string    `bson:"user_id"`
		Role       string    `bson:"role"`
		JoinedAt   time.Time `bson:"joined_at"`
		LastReadAt time.Time `bson:"last_read_at"`
	}

	messageDoc struct {
		ID             string    `bson:"_id"`
		RoomID         string    `bson:"room_id"`
		SenderID       string    `bson:"sender_id"`
		Ciphertext     []byte    `bson:"ciphertext"`
		Nonce          []byte    `bson:"nonce"`
		KeyVersion     int       `bson:"key_version"`
		Timestamp      time.Time `bson:"timestamp"`
		ParentID       string    `bson:"parent_id,omitempty"`
		Image          bool      `bson:"image,omitempty"`
		File           bool      `bson:"file,omitempty"`
		Voice          bool      `bson:"voice,omitempty"`
		Assistant      bool      `bson:"assistant,omitempty"`
		Moderated      bool      `bson:"moderated,omitempty"`
		Pinned         bool      `bson:"pinned,omitempty"`
		Deleted        bool      `bson:"deleted,omitempty"`
		IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	}

	reminderDoc struct {
		ID            string    `bson:"_id"`
		UserID        string    `bson:"user_id"`
		RoomID        string    `bson:"room_id,omitempty"`
		Content       string    `bson:"content"`
		DueAt         time.Time `bson:"due_at"`
		Channel       string    `bson:"channel"`
		Status        string    `bson:"status"`
		Attempts      int       `bson:"attempts"`
		NextAttemptAt time.Time `bson:"next_attempt_at,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
	}

	walletDoc struct {
		UserID       string    `bson:"user_id"`
		Currency     string    `bson:"currency"`
		BalanceMinor int64     `bson:"balance_minor"`
		Overdraft    bool      `bson:"overdraft"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}

	walletTxnDoc struct {
		ID          string    `bson:"_id"`
		UserID      string    `bson:"user_id"`
		Currency    string    `bson:"currency"`
		DeltaMinor  int64     `bson:"delta_minor"`
		Reason      string    `bson:"reason"`
		ExternalRef string    `bson:"external_ref,omitempty"`
		CreatedAt   time.Time `bson:"created_at"`
	}

	credentialDoc struct {
		UserID     string    `bson:"user_id"`
		Provider   string    `bson:"provider"`
		Ciphertext []byte    `bson:"ciphertext"`
		Nonce      []byte    `bson:"nonce"`
		ExpiresAt  time.Time `bson:"expires_at,omitempty"`
	}

	noteDoc struct {
		ID         string    `bson:"_id"`
		UserID     string    `bson:"user_id"`
		Ciphertext []byte    `bson:"ciphertext"`
		Nonce      []byte    `bson:"nonce"`
		CreatedAt  time.Time `bson:"created_at"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}

	itineraryItemDoc struct {
		Kind    string         `bson:"kind"`
		Title   string         `bson:"title"`
		StartAt time.Time      `bson:"start_at,omitempty"`
		EndAt   time.Time      `bson:"end_at,omitempty"`
		Details map[string]any `bson:"details,omitempty"`
	}

	itineraryDoc struct {
		ID        string             `bson:"_id"`
		UserID    string             `bson:"user_id"`
		Title     string             `bson:"title"`
		Items     []itineraryItemDoc `bson:"items"`
		CreatedAt time.Time          `bson:"created_at"`
	}
)

func fromUser(u *store.User) userDoc {
	return userDoc{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Admin:        u.Admin,
		Active:       u.Active,
		Overdraft:    u.Overdraft,
		CreatedAt:    u.CreatedAt.UTC(),
	}
}

func (d userDoc) toUser() *store.User {
	return &store.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Admin:        d.Admin,
		Active:       d.Active,
		Overdraft:    d.Overdraft,
		CreatedAt:    d.CreatedAt,
	}
}

func fromRoom(r *store.Room) roomDoc {
	return roomDoc{
		ID:               r.ID,
		Kind:             string(r.Kind),
		DisplayName:      r.DisplayName,
		OwnerID:          r.OwnerID,
		CreatedAt:        r.CreatedAt.UTC(),
		WrappedKey:       r.WrappedKey,
		KeyVersion:       r.KeyVersion,
		Archived:         r.Archived,
		Flagged:          r.Flagged,
		Summary:          r.Summary,
		SummaryUpdatedAt: r.SummaryUpdatedAt.UTC(),
	}
}

func (d roomDoc) toRoom() *store.Room {
	return &store.Room{
		ID:               d.ID,
		Kind:             store.RoomKind(d.Kind),
		DisplayName:      d.DisplayName,
		OwnerID:          d.OwnerID,
		CreatedAt:        d.CreatedAt,
		WrappedKey:       d.WrappedKey,
		KeyVersion:       d.KeyVersion,
		Archived:         d.Archived,
		Flagged:          d.Flagged,
		Summary:          d.Summary,
		SummaryUpdatedAt: d.SummaryUpdatedAt,
	}
}

func (d memberDoc) toMembership() *store.Membership {
	return &store.Membership{
		RoomID:     d.RoomID,
		UserID:     d.UserID,
		Role:       store.Role(d.Role),
		JoinedAt:   d.JoinedAt,
		LastReadAt: d.LastReadAt,
	}
}

func fromMessage(m *store.Message) messageDoc {
	return messageDoc{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		KeyVersion:     m.KeyVersion,
		Timestamp:      m.Timestamp.UTC(),
		ParentID:       m.ParentID,
		Image:          m.Flags.Image,
		File:           m.Flags.File,
		Voice:          m.Flags.Voice,
		Assistant:      m.Flags.Assistant,
		Moderated:      m.Flags.Moderated,
		Pinned:         m.Flags.Pinned,
		Deleted:        m.Deleted,
		IdempotencyKey: m.IdempotencyKey,
	}
}

func (d messageDoc) toMessage() *store.Message {
	return &store.Message{
		ID:         d.ID,
		RoomID:     d.RoomID,
		SenderID:   d.SenderID,
		Ciphertext: d.Ciphertext,
		Nonce:      d.Nonce,
		KeyVersion: d.KeyVersion,
		Timestamp:  d.Timestamp,
		ParentID:   d.ParentID,
		Flags: store.MessageFlags{
			Image:     d.Image,
			File:      d.File,
			Voice:     d.Voice,
			Assistant: d.Assistant,
			Moderated: d.Moderated,
			Pinned:    d.Pinned,
		},
		Deleted:        d.Deleted,
		IdempotencyKey: d.IdempotencyKey,
	}
}

func fromReminder(r *store.Reminder) reminderDoc {
	return reminderDoc{
		ID:            r.ID,
		UserID:        r.UserID,
		RoomID:        r.RoomID,
		Content:       r.Content,
		DueAt:         r.DueAt.UTC(),
		Channel:       string(r.Channel),
		Status:        string(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func (d reminderDoc) toReminder() *store.Reminder {
	return &store.Reminder{
		ID:            d.ID,
		UserID:        d.UserID,
		RoomID:        d.RoomID,
		Content:       d.Content,
		DueAt:         d.DueAt,
		Channel:       store.ReminderChannel(d.Channel),
		Status:        store.ReminderStatus(d.Status),
		Attempts:      d.Attempts,
		NextAttemptAt: d.NextAttemptAt,
		CreatedAt:     d.CreatedAt,
	}
}

func (d walletDoc) toWallet() *store.Wallet {
	return &store.Wallet{
		UserID:       d.UserID,
		Currency:     d.Currency,
		BalanceMinor: d.BalanceMinor,
		Overdraft:    d.Overdraft,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (d walletTxnDoc) toTxn() *store.WalletTxn {
	return &store.WalletTxn{
		ID:          d.ID,
		UserID:      d.UserID,
		Currency:    d.Currency,
		DeltaMinor:  d.DeltaMinor,
		Reason:      d.Reason,
		ExternalRef: d.ExternalRef,
		CreatedAt:   d.CreatedAt,
	}
}

func (d credentialDoc) toCredential() *store.IntegrationCredential {
	return &store.IntegrationCredential{
		UserID:     d.UserID,
		Provider:   d.Provider,
		Ciphertext: d.Ciphertext,
		Nonce:      d.Nonce,
		ExpiresAt:  d.ExpiresAt,
	}
}

func (d noteDoc) toNote() *store.Note {
	return &store.Note{
		ID:         d.ID,
		UserID:     d.UserID,
		Ciphertext: d.Ciphertext,
		Nonce:      d.Nonce,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func fromItinerary(it *store.Itinerary) itineraryDoc {
	items := make([]itineraryItemDoc, len(it.Items))
	for i, item := range it.Items {
		items[i] = itineraryItemDoc{
			Kind:    item.Kind,
			Title:   item.Title,
			StartAt: item.StartAt.UTC(),
			EndAt:   item.EndAt.UTC(),
			Details: item.Details,
		}
	}
	return itineraryDoc{
		ID:        it.ID,
		UserID:    it.UserID,
		Title:     it.Title,
		Items:     items,
		CreatedAt: it.CreatedAt.UTC(),
	}
}

func (d itineraryDoc) toItinerary() *store.Itinerary {
	items := make([]store.ItineraryItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = store.ItineraryItem{
			Kind:    item.Kind,
			Title:   item.Title,
			StartAt: item.StartAt,
			EndAt:   item.EndAt,
			Details: item.Details,
		}
	}
	return &store.Itinerary{
		ID:        d.ID,
		UserID:    d.UserID,
		Title:     d.Title,
		Items:     items,
		CreatedAt: d.CreatedAt,
	}
}
