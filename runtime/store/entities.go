package store

import "time"

type (
	// User is a registered account. Username and email are unique and
	// immutable outside the admin flow. Accounts that own messages are
	// soft-deactivated, never hard-deleted.
	User struct {
		ID           string
		Username     string
		Email        string
		PasswordHash []byte
		Admin        bool
		Active       bool
		// Overdraft grants the entitlement that lets this user's wallets
		// go negative.
		Overdraft bool
		CreatedAt time.Time
	}

	// RoomKind distinguishes the three room shapes.
	RoomKind string

	// Room is a conversation. Its active symmetric key is stored wrapped
	// under the master key; plaintext key material never reaches the
	// store.
	Room struct {
		ID          string
		Kind        RoomKind
		DisplayName string
		OwnerID     string
		CreatedAt   time.Time
		// WrappedKey is the active room key, wrapped. KeyVersion
		// increments on rotation; prior versions stay in RoomKey records
		// so history remains readable.
		WrappedKey string
		KeyVersion int
		Archived   bool
		// Flagged marks the room for the periodic moderation pass.
		Flagged bool
		// Summary is the compressed history the summarizer maintains for
		// LLM context injection. It never replaces messages.
		Summary          string
		SummaryUpdatedAt time.Time
	}

	// RoomKey is one historical version of a room's wrapped key.
	RoomKey struct {
		RoomID    string
		Wrapped   string
		Version   int
		CreatedAt time.Time
	}

	// Role is a member's standing in a room.
	Role string

	// Membership links a user to a room. A user appears at most once per
	// room; removal keeps historical messages intact.
	Membership struct {
		RoomID     string
		UserID     string
		Role       Role
		JoinedAt   time.Time
		LastReadAt time.Time
	}

	// MessageFlags classify a message beyond its body.
	MessageFlags struct {
		Image     bool
		File      bool
		Voice     bool
		Assistant bool
		Moderated bool
		Pinned    bool
	}

	// Message is one room entry. The body exists only as ciphertext plus
	// nonce; KeyVersion names the room-key version that sealed it.
	// Timestamp is assigned by the server and is monotonic per room.
	Message struct {
		ID         string
		RoomID     string
		SenderID   string
		Ciphertext []byte
		Nonce      []byte
		KeyVersion int
		Timestamp  time.Time
		// ParentID references a message in the same room for threads.
		ParentID string
		Flags    MessageFlags
		Deleted  bool
		// IdempotencyKey echoes the client-supplied duplicate guard when
		// one was provided.
		IdempotencyKey string
	}

	// ReminderChannel selects how a reminder is delivered.
	ReminderChannel string

	// ReminderStatus moves strictly forward; fired, failed and canceled
	// are terminal.
	ReminderStatus string

	// Reminder is a scheduled notification created through the assistant.
	Reminder struct {
		ID       string
		UserID   string
		RoomID   string
		Content  string
		DueAt    time.Time
		Channel  ReminderChannel
		Status   ReminderStatus
		Attempts int
		// NextAttemptAt defers retries after transient dispatch failures.
		NextAttemptAt time.Time
		CreatedAt     time.Time
	}

	// Wallet tracks one user's balance in one currency. The balance is
	// only mutated together with an appended WalletTxn and equals the sum
	// of all transaction deltas at all times.
	Wallet struct {
		UserID       string
		Currency     string
		BalanceMinor int64
		// Overdraft mirrors the owner's entitlement at creation time.
		Overdraft bool
		UpdatedAt time.Time
	}

	// WalletTxn is one immutable ledger entry.
	WalletTxn struct {
		ID         string
		UserID     string
		Currency   string
		DeltaMinor int64
		Reason     string
		// ExternalRef carries the upstream payment reference and doubles
		// as the idempotency key for webhook credits.
		ExternalRef string
		CreatedAt   time.Time
	}

	// IntegrationCredential is a third-party token at rest. Plaintext
	// never leaves the keystore boundary.
	IntegrationCredential struct {
		UserID     string
		Provider   string
		Ciphertext []byte
		Nonce      []byte
		ExpiresAt  time.Time
	}

	// Note is a user-scoped encrypted note exposed by the thin HTTP
	// surface.
	Note struct {
		ID         string
		UserID     string
		Ciphertext []byte
		Nonce      []byte
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// ItineraryItem is one leg or booking inside an itinerary.
	ItineraryItem struct {
		Kind    string
		Title   string
		StartAt time.Time
		EndAt   time.Time
		Details map[string]any
	}

	// Itinerary is a user-owned trip plan assembled from search results.
	Itinerary struct {
		ID        string
		UserID    string
		Title     string
		Items     []ItineraryItem
		CreatedAt time.Time
	}
)

const (
	// RoomDirect has exactly two members.
	RoomDirect RoomKind = "direct"
	// RoomGroup has any number of members.
	RoomGroup RoomKind = "group"
	// RoomAI is a user's assistant room; each user has exactly one.
	RoomAI RoomKind = "ai"
)

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

const (
	ChannelInApp    ReminderChannel = "inapp"
	ChannelEmail    ReminderChannel = "email"
	ChannelWhatsApp ReminderChannel = "whatsapp"
	// ChannelBoth dispatches email then whatsapp in a single attempt; the
	// attempt succeeds when at least one channel delivered.
	ChannelBoth ReminderChannel = "both"
)

const (
	ReminderPending ReminderStatus = "pending"
	// ReminderDispatching is the claimed state between a due poll and the
	// dispatch outcome, preventing double delivery.
	ReminderDispatching ReminderStatus = "dispatching"
	ReminderFired       ReminderStatus = "fired"
	ReminderFailed      ReminderStatus = "failed"
	ReminderCanceled    ReminderStatus = "canceled"
)
