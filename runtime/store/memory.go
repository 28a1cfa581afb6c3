package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process reference implementation of every repository.
// It backs unit tests and single-node development; production uses the
// Mongo driver. One mutex guards all maps, which also gives the
// multi-record writes (message + read marker, wallet + txn) their
// transactional behavior.
type Memory struct {
	mu sync.Mutex

	users       map[string]*User
	userNames   map[string]string
	userEmails  map[string]string
	rooms       map[string]*Room
	roomKeys    map[string][]RoomKey
	members     map[string]map[string]*Membership
	roomMsgs    map[string][]*Message
	msgByID     map[string]*Message
	reminders   map[string]*Reminder
	wallets     map[string]*Wallet
	walletTxns  map[string][]*WalletTxn
	externalRef map[string]bool
	creds       map[string]*IntegrationCredential
	notes       map[string]*Note
	itineraries map[string]*Itinerary

	now func() time.Time
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]*User),
		userNames:   make(map[string]string),
		userEmails:  make(map[string]string),
		rooms:       make(map[string]*Room),
		roomKeys:    make(map[string][]RoomKey),
		members:     make(map[string]map[string]*Membership),
		roomMsgs:    make(map[string][]*Message),
		msgByID:     make(map[string]*Message),
		reminders:   make(map[string]*Reminder),
		wallets:     make(map[string]*Wallet),
		walletTxns:  make(map[string][]*WalletTxn),
		externalRef: make(map[string]bool),
		creds:       make(map[string]*IntegrationCredential),
		notes:       make(map[string]*Note),
		itineraries: make(map[string]*Itinerary),
		now:         time.Now,
	}
}

// Stores returns the repository bundle backed by this Memory.
func (m *Memory) Stores() Stores {
	return Stores{
		Users:       (*memUsers)(m),
		Rooms:       (*memRooms)(m),
		Members:     (*memMembers)(m),
		Messages:    (*memMessages)(m),
		Reminders:   (*memReminders)(m),
		Wallets:     (*memWallets)(m),
		Credentials: (*memCredentials)(m),
		Notes:       (*memNotes)(m),
		Itineraries: (*memItineraries)(m),
	}
}

func walletKey(userID, currency string) string { return userID + "|" + currency }
func credKey(userID, provider string) string   { return userID + "|" + provider }

// --- Users ---

type memUsers Memory

func (m *memUsers) Create(_ context.Context, u *User) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.userNames[u.Username]; ok {
		return ErrDuplicateKey
	}
	if _, ok := mm.userEmails[u.Email]; ok {
		return ErrDuplicateKey
	}
	cp := *u
	mm.users[u.ID] = &cp
	mm.userNames[u.Username] = u.ID
	mm.userEmails[u.Email] = u.ID
	return nil
}

func (m *memUsers) Get(_ context.Context, id string) (*User, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (*User, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	id, ok := mm.userNames[username]
	mm.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *memUsers) Deactivate(_ context.Context, id string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = false
	return nil
}

// --- Rooms ---

type memRooms Memory

func (m *memRooms) Create(_ context.Context, r *Room) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.rooms[r.ID]; ok {
		return ErrDuplicateKey
	}
	if r.Kind == RoomAI {
		for _, existing := range mm.rooms {
			if existing.Kind == RoomAI && existing.OwnerID == r.OwnerID {
				return ErrDuplicateKey
			}
		}
	}
	if r.KeyVersion == 0 {
		r.KeyVersion = 1
	}
	cp := *r
	mm.rooms[r.ID] = &cp
	mm.roomKeys[r.ID] = append(mm.roomKeys[r.ID], RoomKey{
		RoomID:    r.ID,
		Wrapped:   r.WrappedKey,
		Version:   r.KeyVersion,
		CreatedAt: mm.now(),
	})
	return nil
}

func (m *memRooms) Get(_ context.Context, id string) (*Room, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRooms) ListForUser(_ context.Context, userID string) ([]*Room, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Room
	for roomID, members := range mm.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		if r, ok := mm.rooms[roomID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRooms) AssistantRoomFor(_ context.Context, userID string) (*Room, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, r := range mm.rooms {
		if r.Kind == RoomAI && r.OwnerID == userID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRooms) Archive(_ context.Context, id string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[id]
	if !ok {
		return ErrNotFound
	}
	r.Archived = true
	return nil
}

func (m *memRooms) RotateKey(_ context.Context, roomID, wrapped string) (int, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	r.KeyVersion++
	r.WrappedKey = wrapped
	mm.roomKeys[roomID] = append(mm.roomKeys[roomID], RoomKey{
		RoomID:    roomID,
		Wrapped:   wrapped,
		Version:   r.KeyVersion,
		CreatedAt: mm.now(),
	})
	return r.KeyVersion, nil
}

func (m *memRooms) SetSummary(_ context.Context, roomID, summary string, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.Summary = summary
	r.SummaryUpdatedAt = at
	return nil
}

func (m *memRooms) SetFlagged(_ context.Context, roomID string, flagged bool) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.Flagged = flagged
	return nil
}

func (m *memRooms) ListFlagged(_ context.Context) ([]*Room, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Room
	for _, r := range mm.rooms {
		if r.Flagged && !r.Archived {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRooms) ListStaleSummaries(_ context.Context, staleBefore time.Time, limit int) ([]*Room, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Room
	for _, r := range mm.rooms {
		if r.Archived {
			continue
		}
		if r.SummaryUpdatedAt.Before(staleBefore) && len(mm.roomMsgs[r.ID]) > 0 {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SummaryUpdatedAt.Before(out[j].SummaryUpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRooms) ActiveKey(_ context.Context, roomID string) (string, int, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.rooms[roomID]
	if !ok {
		return "", 0, ErrNotFound
	}
	return r.WrappedKey, r.KeyVersion, nil
}

func (m *memRooms) KeyAt(_ context.Context, roomID string, version int) (string, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, k := range mm.roomKeys[roomID] {
		if k.Version == version {
			return k.Wrapped, nil
		}
	}
	return "", ErrNotFound
}

// --- Members ---

type memMembers Memory

func (m *memMembers) Add(_ context.Context, mb *Membership) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.members[mb.RoomID] == nil {
		mm.members[mb.RoomID] = make(map[string]*Membership)
	}
	if _, ok := mm.members[mb.RoomID][mb.UserID]; ok {
		return ErrDuplicateKey
	}
	cp := *mb
	mm.members[mb.RoomID][mb.UserID] = &cp
	return nil
}

func (m *memMembers) Remove(_ context.Context, roomID, userID string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.members[roomID][userID]; !ok {
		return ErrNotFound
	}
	delete(mm.members[roomID], userID)
	return nil
}

func (m *memMembers) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, ok := mm.members[roomID][userID]
	return ok, nil
}

func (m *memMembers) Get(_ context.Context, roomID, userID string) (*Membership, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mb, ok := mm.members[roomID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

func (m *memMembers) List(_ context.Context, roomID string) ([]*Membership, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make([]*Membership, 0, len(mm.members[roomID]))
	for _, mb := range mm.members[roomID] {
		cp := *mb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memMembers) UpdateLastRead(_ context.Context, roomID, userID string, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mb, ok := mm.members[roomID][userID]
	if !ok {
		return ErrNotFound
	}
	if at.After(mb.LastReadAt) {
		mb.LastReadAt = at
	}
	return nil
}

// --- Messages ---

type memMessages Memory

func (m *memMessages) Append(_ context.Context, msg *Message) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.msgByID[msg.ID]; ok {
		return ErrDuplicateKey
	}
	if msg.ParentID != "" {
		parent, ok := mm.msgByID[msg.ParentID]
		if !ok || parent.RoomID != msg.RoomID {
			return ErrNotFound
		}
	}
	// Per-room monotonicity: the pipeline serializes appends per room,
	// but clamp regardless so history order can never invert.
	if msgs := mm.roomMsgs[msg.RoomID]; len(msgs) > 0 {
		last := msgs[len(msgs)-1].Timestamp
		if !msg.Timestamp.After(last) {
			msg.Timestamp = last.Add(time.Nanosecond)
		}
	}
	cp := *msg
	mm.roomMsgs[msg.RoomID] = append(mm.roomMsgs[msg.RoomID], &cp)
	mm.msgByID[msg.ID] = &cp
	if member, ok := mm.members[msg.RoomID][msg.SenderID]; ok {
		if cp.Timestamp.After(member.LastReadAt) {
			member.LastReadAt = cp.Timestamp
		}
	}
	return nil
}

func (m *memMessages) Get(_ context.Context, id string) (*Message, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	msg, ok := mm.msgByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memMessages) PageBefore(_ context.Context, roomID, cursor string, limit int) (*MessagePage, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	msgs := mm.roomMsgs[roomID]
	end := len(msgs)
	if cursor != "" {
		end = 0
		for i, msg := range msgs {
			if msg.ID == cursor {
				end = i
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := &MessagePage{}
	// Newest first.
	for i := end - 1; i >= start; i-- {
		if msgs[i].Deleted {
			continue
		}
		cp := *msgs[i]
		page.Messages = append(page.Messages, &cp)
	}
	if start > 0 && len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].ID
	}
	return page, nil
}

func (m *memMessages) RecentSince(_ context.Context, roomID string, since time.Time, limit int) ([]*Message, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Message
	for _, msg := range mm.roomMsgs[roomID] {
		if msg.Deleted || !msg.Timestamp.After(since) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memMessages) SetModerated(_ context.Context, id string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	msg, ok := mm.msgByID[id]
	if !ok {
		return ErrNotFound
	}
	msg.Flags.Moderated = true
	return nil
}

func (m *memMessages) SetPinned(_ context.Context, id string, pinned bool) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	msg, ok := mm.msgByID[id]
	if !ok {
		return ErrNotFound
	}
	msg.Flags.Pinned = pinned
	return nil
}

func (m *memMessages) SoftDelete(_ context.Context, id string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	msg, ok := mm.msgByID[id]
	if !ok {
		return ErrNotFound
	}
	msg.Deleted = true
	return nil
}

// --- Reminders ---

type memReminders Memory

func (m *memReminders) Create(_ context.Context, r *Reminder) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.reminders[r.ID]; ok {
		return ErrDuplicateKey
	}
	if r.Status == "" {
		r.Status = ReminderPending
	}
	cp := *r
	mm.reminders[r.ID] = &cp
	return nil
}

func (m *memReminders) Get(_ context.Context, id string) (*Reminder, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memReminders) ListForUser(_ context.Context, userID string) ([]*Reminder, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Reminder
	for _, r := range mm.reminders {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memReminders) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Reminder, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var due []*Reminder
	for _, r := range mm.reminders {
		if r.Status != ReminderPending {
			continue
		}
		if r.DueAt.After(now) {
			continue
		}
		if !r.NextAttemptAt.IsZero() && r.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Reminder, 0, len(due))
	for _, r := range due {
		r.Status = ReminderDispatching
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memReminders) MarkFired(_ context.Context, id string, attempt int) error {
	return (*Memory)(m).finishReminder(id, attempt, ReminderFired)
}

func (m *memReminders) MarkFailed(_ context.Context, id string, attempt int) error {
	return (*Memory)(m).finishReminder(id, attempt, ReminderFailed)
}

func (mm *Memory) finishReminder(id string, attempt int, status ReminderStatus) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != ReminderDispatching {
		return ErrVersionConflict
	}
	r.Status = status
	r.Attempts = attempt
	return nil
}

func (m *memReminders) ScheduleRetry(_ context.Context, id string, attempt int, nextAt time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != ReminderDispatching {
		return ErrVersionConflict
	}
	r.Status = ReminderPending
	r.Attempts = attempt
	r.NextAttemptAt = nextAt
	return nil
}

func (m *memReminders) Cancel(_ context.Context, id, userID string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.reminders[id]
	if !ok || r.UserID != userID {
		return ErrNotFound
	}
	if r.Status != ReminderPending {
		return ErrVersionConflict
	}
	r.Status = ReminderCanceled
	return nil
}

// --- Wallets ---

type memWallets Memory

func (m *memWallets) Get(_ context.Context, userID, currency string) (*Wallet, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	w, ok := mm.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memWallets) Apply(_ context.Context, userID, currency string, deltaMinor int64, reason, externalRef string) (*Wallet, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if externalRef != "" && mm.externalRef[externalRef] {
		return nil, ErrDuplicateKey
	}
	key := walletKey(userID, currency)
	w, ok := mm.wallets[key]
	if !ok {
		overdraft := false
		if u, ok := mm.users[userID]; ok {
			overdraft = u.Overdraft
		}
		w = &Wallet{UserID: userID, Currency: currency, Overdraft: overdraft}
		mm.wallets[key] = w
	}
	next := w.BalanceMinor + deltaMinor
	if next < 0 && !w.Overdraft {
		return nil, ErrInsufficientFunds
	}
	w.BalanceMinor = next
	w.UpdatedAt = mm.now()
	txn := &WalletTxn{
		ID:          key + "#" + time.Now().Format("20060102150405.000000000"),
		UserID:      userID,
		Currency:    currency,
		DeltaMinor:  deltaMinor,
		Reason:      reason,
		ExternalRef: externalRef,
		CreatedAt:   w.UpdatedAt,
	}
	mm.walletTxns[key] = append(mm.walletTxns[key], txn)
	if externalRef != "" {
		mm.externalRef[externalRef] = true
	}
	cp := *w
	return &cp, nil
}

func (m *memWallets) ListTxns(_ context.Context, userID, currency string, limit int) ([]*WalletTxn, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if limit <= 0 || limit > MaxTxnPage {
		limit = MaxTxnPage
	}
	txns := mm.walletTxns[walletKey(userID, currency)]
	out := make([]*WalletTxn, 0, limit)
	for i := len(txns) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *txns[i]
		out = append(out, &cp)
	}
	return out, nil
}

// --- Credentials ---

type memCredentials Memory

func (m *memCredentials) Put(_ context.Context, c *IntegrationCredential) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *c
	mm.creds[credKey(c.UserID, c.Provider)] = &cp
	return nil
}

func (m *memCredentials) Get(_ context.Context, userID, provider string) (*IntegrationCredential, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.creds[credKey(userID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCredentials) Revoke(_ context.Context, userID, provider string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.creds[credKey(userID, provider)]; !ok {
		return ErrNotFound
	}
	delete(mm.creds, credKey(userID, provider))
	return nil
}

// --- Notes ---

type memNotes Memory

func (m *memNotes) Create(_ context.Context, n *Note) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.notes[n.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *n
	mm.notes[n.ID] = &cp
	return nil
}

func (m *memNotes) Get(_ context.Context, id, userID string) (*Note, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n, ok := mm.notes[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memNotes) ListForUser(_ context.Context, userID string) ([]*Note, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Note
	for _, n := range mm.notes {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memNotes) Update(_ context.Context, n *Note) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	existing, ok := mm.notes[n.ID]
	if !ok || existing.UserID != n.UserID {
		return ErrNotFound
	}
	existing.Ciphertext = append([]byte(nil), n.Ciphertext...)
	existing.Nonce = append([]byte(nil), n.Nonce...)
	existing.UpdatedAt = n.UpdatedAt
	return nil
}

func (m *memNotes) Delete(_ context.Context, id, userID string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n, ok := mm.notes[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	delete(mm.notes, id)
	return nil
}

// --- Itineraries ---

type memItineraries Memory

func (m *memItineraries) Create(_ context.Context, it *Itinerary) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.itineraries[it.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *it
	cp.Items = append([]ItineraryItem(nil), it.Items...)
	mm.itineraries[it.ID] = &cp
	return nil
}

func (m *memItineraries) Get(_ context.Context, id string) (*Itinerary, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	it, ok := mm.itineraries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	cp.Items = append([]ItineraryItem(nil), it.Items...)
	return &cp, nil
}

func (m *memItineraries) ListForUser(_ context.Context, userID string) ([]*Itinerary, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*Itinerary
	for _, it := range mm.itineraries {
		if it.UserID == userID {
			cp := *it
			cp.Items = append([]ItineraryItem(nil), it.Items...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
