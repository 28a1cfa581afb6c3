package store

import (
	"context"
	"time"
)

type (
	// Users is the account repository.
	Users interface {
		Create(ctx context.Context, u *User) error
		Get(ctx context.Context, id string) (*User, error)
		GetByUsername(ctx context.Context, username string) (*User, error)
		Deactivate(ctx context.Context, id string) error
	}

	// Rooms is the room repository. It also serves wrapped room keys to
	// the keystore cache via ActiveKey and KeyAt.
	Rooms interface {
		Create(ctx context.Context, r *Room) error
		Get(ctx context.Context, id string) (*Room, error)
		ListForUser(ctx context.Context, userID string) ([]*Room, error)
		// AssistantRoomFor returns the user's single ai room.
		AssistantRoomFor(ctx context.Context, userID string) (*Room, error)
		Archive(ctx context.Context, id string) error
		// RotateKey installs a new wrapped key, increments the version and
		// retains the prior version for historical decryption.
		RotateKey(ctx context.Context, roomID, wrapped string) (version int, err error)
		SetSummary(ctx context.Context, roomID, summary string, at time.Time) error
		SetFlagged(ctx context.Context, roomID string, flagged bool) error
		// ListFlagged feeds the periodic moderation pass.
		ListFlagged(ctx context.Context) ([]*Room, error)
		// ListStaleSummaries returns rooms whose summaries predate
		// staleBefore, feeding the summarizer.
		ListStaleSummaries(ctx context.Context, staleBefore time.Time, limit int) ([]*Room, error)

		// ActiveKey and KeyAt implement the keystore key source.
		ActiveKey(ctx context.Context, roomID string) (wrapped string, version int, err error)
		KeyAt(ctx context.Context, roomID string, version int) (wrapped string, err error)
	}

	// Members is the membership repository.
	Members interface {
		Add(ctx context.Context, m *Membership) error
		Remove(ctx context.Context, roomID, userID string) error
		IsMember(ctx context.Context, roomID, userID string) (bool, error)
		Get(ctx context.Context, roomID, userID string) (*Membership, error)
		List(ctx context.Context, roomID string) ([]*Membership, error)
		UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error
	}

	// MessagePage is one page of history, newest first, with a cursor for
	// the next older page. An empty cursor means history is exhausted.
	MessagePage struct {
		Messages   []*Message
		NextCursor string
	}

	// Messages is the message repository.
	Messages interface {
		// Append persists the message and updates the sender's
		// last_read_at in the same transaction, serialized per room so
		// persisted order matches timestamp order.
		Append(ctx context.Context, m *Message) error
		Get(ctx context.Context, id string) (*Message, error)
		// PageBefore returns up to limit messages older than the cursor
		// (exclusive), newest first. An empty cursor starts at the head.
		PageBefore(ctx context.Context, roomID, cursor string, limit int) (*MessagePage, error)
		// RecentSince returns messages after since in ascending order,
		// feeding moderation and summarization.
		RecentSince(ctx context.Context, roomID string, since time.Time, limit int) ([]*Message, error)
		SetModerated(ctx context.Context, id string) error
		SetPinned(ctx context.Context, id string, pinned bool) error
		SoftDelete(ctx context.Context, id string) error
	}

	// Reminders is the reminder repository.
	Reminders interface {
		Create(ctx context.Context, r *Reminder) error
		Get(ctx context.Context, id string) (*Reminder, error)
		ListForUser(ctx context.Context, userID string) ([]*Reminder, error)
		// ClaimDue atomically moves due pending reminders to dispatching
		// and returns them. A reminder claimed by one worker is invisible
		// to concurrent claims.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error)
		MarkFired(ctx context.Context, id string, attempt int) error
		MarkFailed(ctx context.Context, id string, attempt int) error
		// ScheduleRetry returns a dispatching reminder to pending with the
		// attempt count and next-attempt time recorded.
		ScheduleRetry(ctx context.Context, id string, attempt int, nextAt time.Time) error
		Cancel(ctx context.Context, id, userID string) error
	}

	// Wallets is the wallet repository. Apply is the only mutation and
	// always writes a WalletTxn in the same transaction.
	Wallets interface {
		Get(ctx context.Context, userID, currency string) (*Wallet, error)
		// Apply credits (positive delta) or debits (negative delta) the
		// wallet, creating it on first credit. Debits that would take the
		// balance negative fail with ErrInsufficientFunds unless the
		// wallet has the overdraft entitlement. A non-empty externalRef is
		// unique; replays fail with ErrDuplicateKey.
		Apply(ctx context.Context, userID, currency string, deltaMinor int64, reason, externalRef string) (*Wallet, error)
		// ListTxns returns the newest transactions, capped at 20.
		ListTxns(ctx context.Context, userID, currency string, limit int) ([]*WalletTxn, error)
	}

	// Credentials is the integration-credential repository. Values arrive
	// already encrypted.
	Credentials interface {
		Put(ctx context.Context, c *IntegrationCredential) error
		Get(ctx context.Context, userID, provider string) (*IntegrationCredential, error)
		Revoke(ctx context.Context, userID, provider string) error
	}

	// Notes is the encrypted-note repository.
	Notes interface {
		Create(ctx context.Context, n *Note) error
		Get(ctx context.Context, id, userID string) (*Note, error)
		ListForUser(ctx context.Context, userID string) ([]*Note, error)
		Update(ctx context.Context, n *Note) error
		Delete(ctx context.Context, id, userID string) error
	}

	// Itineraries is the itinerary repository.
	Itineraries interface {
		Create(ctx context.Context, it *Itinerary) error
		Get(ctx context.Context, id string) (*Itinerary, error)
		ListForUser(ctx context.Context, userID string) ([]*Itinerary, error)
	}

	// Stores bundles every repository for wiring.
	Stores struct {
		Users       Users
		Rooms       Rooms
		Members     Members
		Messages    Messages
		Reminders   Reminders
		Wallets     Wallets
		Credentials Credentials
		Notes       Notes
		Itineraries Itineraries
	}
)

// MaxTxnPage caps ListTxns results.
const MaxTxnPage = 20
