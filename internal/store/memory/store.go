// Package memory is a single-process queue store. Transactions are fully
// serialized and run against a copy of the state that replaces the live
// state only on commit, so a failed transaction leaves nothing behind.
// Event chains and the outbox are append-only and shared between copies;
// a transaction buffers its appends and they are applied on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

type sequenceKey struct {
	specialistID string
	targetDate   string
}

type sequenceRow struct {
	lastSequence int64
	lastOrder    int64
}

type state struct {
	specialists map[string]models.Specialist
	tokens      map[string]models.QueueToken
	sequences   map[sequenceKey]sequenceRow
	entries     map[string]models.QueueEntry
	merges      map[string]string
	events      map[string][]store.EntryEvent
	outbox      []store.OutboxEvent
	idempotency map[string]store.IdempotencyRecord
}

func newState() *state {
	return &state{
		specialists: make(map[string]models.Specialist),
		tokens:      make(map[string]models.QueueToken),
		sequences:   make(map[sequenceKey]sequenceRow),
		entries:     make(map[string]models.QueueEntry),
		merges:      make(map[string]string),
		events:      make(map[string][]store.EntryEvent),
		idempotency: make(map[string]store.IdempotencyRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.specialists {
		c.specialists[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.merges {
		c.merges[k] = v
	}
	c.events = s.events
	c.outbox = s.outbox
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for event timestamps and idempotency expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(options ...Option) *Store {
	s := &Store{state: newState(), now: func() time.Time { return time.Now().UTC() }}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	tx := &memTx{st: work, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	for _, event := range tx.events {
		work.events[event.EntryID] = append(work.events[event.EntryID], event)
	}
	work.outbox = append(work.outbox, tx.outbox...)
	s.state = work
	return nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entryID)
	}
	return s.state.view(entry), nil
}

func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.QueueEntry
	for _, entry := range s.state.entries {
		if entry.SpecialistID != filter.SpecialistID || entry.TargetDate != filter.TargetDate {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		entries = append(entries, s.state.view(entry))
	}
	sortByOrder(entries)
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.state.tokens[tokenID]
	if !ok {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return token, nil
}

func (s *Store) GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.specialist(specialistID)
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.EntryEvent(nil), s.state.events[entryID]...), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []store.OutboxEvent
	for _, event := range s.state.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListSkippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped []models.QueueEntry
	for _, entry := range s.state.entries {
		if entry.Status == models.StatusSkipped && entry.SkippedAt != nil && !entry.SkippedAt.After(cutoff) {
			skipped = append(skipped, entry)
		}
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].SkippedAt.Before(*skipped[j].SkippedAt) })
	var ids []string
	for _, entry := range skipped {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, entry.EntryID)
	}
	return ids, nil
}

func (s *state) specialist(specialistID string) (models.Specialist, error) {
	specialist, ok := s.specialists[specialistID]
	if !ok {
		return models.Specialist{}, store.Errorf(store.ErrSpecialistNotFound, "specialist %s does not exist", specialistID)
	}
	return specialist, nil
}

// view returns a copy of entry with merged_from filled in.
func (s *state) view(entry models.QueueEntry) models.QueueEntry {
	entry.ServiceLines = append([]models.ServiceLine{}, entry.ServiceLines...)
	merged := []string{}
	for mergedID, ownerID := range s.merges {
		if ownerID == entry.EntryID {
			merged = append(merged, mergedID)
		}
	}
	sort.Strings(merged)
	entry.MergedFrom = merged
	return entry
}

func sortByOrder(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].OrderKey != entries[j].OrderKey {
			return entries[i].OrderKey < entries[j].OrderKey
		}
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})
}

type memTx struct {
	st  *state
	now func() time.Time

	// appends not yet committed
	events []store.EntryEvent
	outbox []store.OutboxEvent
}

// chainTail returns the last event of an entry, including uncommitted ones.
func (t *memTx) chainTail(entryID string) (store.EntryEvent, bool) {
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].EntryID == entryID {
			return t.events[i], true
		}
	}
	chain := t.st.events[entryID]
	if len(chain) == 0 {
		return store.EntryEvent{}, false
	}
	return chain[len(chain)-1], true
}

func (t *memTx) lastOutboxSeq() int64 {
	if n := len(t.outbox); n > 0 {
		return t.outbox[n-1].Seq
	}
	if n := len(t.st.outbox); n > 0 {
		return t.st.outbox[n-1].Seq
	}
	return 0
}

func (t *memTx) GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error) {
	return t.st.specialist(specialistID)
}

func (t *memTx) UpsertSpecialist(ctx context.Context, specialist models.Specialist) error {
	t.st.specialists[specialist.SpecialistID] = specialist
	return nil
}

func (t *memTx) InsertToken(ctx context.Context, token models.QueueToken) error {
	t.st.tokens[token.TokenID] = token
	return nil
}

func (t *memTx) LockToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	token, ok := t.st.tokens[tokenID]
	if !ok {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return token, nil
}

func (t *memTx) SetTokenRedemptions(ctx context.Context, tokenID string, count int) error {
	token, ok := t.st.tokens[tokenID]
	if !ok {
		return store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	token.RedemptionCount = count
	t.st.tokens[tokenID] = token
	return nil
}

func (t *memTx) NextSequence(ctx context.Context, specialistID, targetDate string) (int64, int64, error) {
	key := sequenceKey{specialistID: specialistID, targetDate: targetDate}
	row := t.st.sequences[key]
	row.lastSequence++
	row.lastOrder++
	t.st.sequences[key] = row
	return row.lastSequence, row.lastOrder, nil
}

func (t *memTx) NextOrderKey(ctx context.Context, specialistID, targetDate string) (int64, error) {
	key := sequenceKey{specialistID: specialistID, targetDate: targetDate}
	row := t.st.sequences[key]
	row.lastOrder++
	t.st.sequences[key] = row
	return row.lastOrder, nil
}

func (t *memTx) CountActiveEntries(ctx context.Context, specialistID, targetDate string) (int, error) {
	count := 0
	for _, entry := range t.st.entries {
		if entry.SpecialistID == specialistID && entry.TargetDate == targetDate && entry.Status != models.StatusCancelled {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertEntry(ctx context.Context, entry models.QueueEntry) error {
	if _, exists := t.st.entries[entry.EntryID]; exists {
		return store.Errorf(store.ErrInvalidRequest, "entry %s already exists", entry.EntryID)
	}
	entry.ServiceLines = append([]models.ServiceLine{}, entry.ServiceLines...)
	entry.MergedFrom = nil
	t.st.entries[entry.EntryID] = entry
	return nil
}

func (t *memTx) LockEntries(ctx context.Context, entryIDs []string) (map[string]models.QueueEntry, error) {
	locked := make(map[string]models.QueueEntry, len(entryIDs))
	for _, id := range entryIDs {
		if entry, ok := t.st.entries[id]; ok {
			locked[id] = t.st.view(entry)
		}
	}
	return locked, nil
}

func (t *memTx) UpdateEntry(ctx context.Context, entry models.QueueEntry) error {
	if _, ok := t.st.entries[entry.EntryID]; !ok {
		return store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entry.EntryID)
	}
	entry.ServiceLines = append([]models.ServiceLine{}, entry.ServiceLines...)
	entry.MergedFrom = nil
	t.st.entries[entry.EntryID] = entry
	return nil
}

func (t *memTx) LockDispatch(ctx context.Context, specialistID string) error {
	return nil
}

func (t *memTx) FindCalledEntry(ctx context.Context, specialistID string) (models.QueueEntry, bool, error) {
	for _, entry := range t.st.entries {
		if entry.SpecialistID == specialistID && entry.Status == models.StatusCalled {
			return t.st.view(entry), true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (t *memTx) NextWaitingEntry(ctx context.Context, specialistID, targetDate string) (models.QueueEntry, bool, error) {
	var waiting []models.QueueEntry
	for _, entry := range t.st.entries {
		if entry.SpecialistID == specialistID && entry.TargetDate == targetDate && entry.Status == models.StatusWaiting {
			waiting = append(waiting, entry)
		}
	}
	if len(waiting) == 0 {
		return models.QueueEntry{}, false, nil
	}
	sortByOrder(waiting)
	return t.st.view(waiting[0]), true, nil
}

func (t *memTx) MergeOwners(ctx context.Context, entryIDs []string) (map[string]string, error) {
	owners := make(map[string]string)
	for _, id := range entryIDs {
		if owner, ok := t.st.merges[id]; ok {
			owners[id] = owner
		}
	}
	return owners, nil
}

func (t *memTx) AddMerge(ctx context.Context, ownerID, mergedID string, mergedAt time.Time) error {
	if owner, ok := t.st.merges[mergedID]; ok && owner != ownerID {
		return store.Errorf(store.ErrAggregateConflict, "entry %s is already merged into %s", mergedID, owner)
	}
	t.st.merges[mergedID] = ownerID
	return nil
}

func (t *memTx) GetIdempotency(ctx context.Context, key string) (store.IdempotencyRecord, bool, error) {
	record, ok := t.st.idempotency[key]
	if !ok || !record.ExpiresAt.After(t.now()) {
		return store.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (t *memTx) PutIdempotency(ctx context.Context, record store.IdempotencyRecord) error {
	t.st.idempotency[record.Key] = record
	return nil
}

func (t *memTx) DeleteIdempotency(ctx context.Context, key string) error {
	delete(t.st.idempotency, key)
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, event store.PendingEvent) error {
	createdAt := t.now().UTC().Truncate(time.Microsecond)
	prev, seq := "", 1
	if tail, ok := t.chainTail(event.EntryID); ok {
		prev, seq = tail.Hash, tail.EntrySeq+1
	}
	t.events = append(t.events, store.EntryEvent{
		EntryID:   event.EntryID,
		EntrySeq:  seq,
		Type:      event.Type,
		Payload:   event.Payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, createdAt, seq),
	})
	t.outbox = append(t.outbox, store.OutboxEvent{
		Seq:          t.lastOutboxSeq() + 1,
		EventID:      uuid.NewString(),
		Type:         event.Type,
		SpecialistID: event.SpecialistID,
		TargetDate:   event.TargetDate,
		Payload:      event.Payload,
		CreatedAt:    createdAt,
	})
	return nil
}
