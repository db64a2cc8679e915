package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `entry_id::text, specialist_id, to_char(target_date, 'YYYY-MM-DD'), sequence_number, order_key,
	patient_ref, source, status, service_lines, COALESCE(token_id::text, ''), created_at,
	called_at, skipped_at, completed_at, cancelled_at`

const tokenColumns = `token_id::text, scope, COALESCE(specialist_id, ''), to_char(target_date, 'YYYY-MM-DD'),
	issued_at, expires_at, max_redemptions, redemption_count`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	pool     *pgxpool.Pool
	maxTries uint
}

type Options struct {
	// MaxTries bounds how often a transaction is attempted when it fails on
	// a serialization failure, deadlock or unique violation.
	MaxTries int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	tries := options.MaxTries
	if tries <= 0 {
		tries = 5
	}
	return &Store{pool: pool, maxTries: uint(tries)}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if retryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.maxTries))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	if !isUUID(entryID) {
		return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entryID)
	}
	entries, err := queryEntries(ctx, s.pool, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1`, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entryID)
	}
	return entries[0], nil
}

func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	query := psql.Select(entryColumns).
		From("queue_entries").
		Where(sq.Eq{"specialist_id": filter.SpecialistID}).
		Where("target_date = ?::date", filter.TargetDate).
		OrderBy("order_key", "sequence_number")
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	return queryEntries(ctx, s.pool, sqlText, args...)
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	if !isUUID(tokenID) {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM queue_tokens WHERE token_id = $1`, tokenID), tokenID)
}

func (s *Store) GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error) {
	return getSpecialist(ctx, s.pool, specialistID)
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	if !isUUID(entryID) {
		return nil, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entryID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id::text, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload []byte
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id::text, type, specialist_id, to_char(target_date, 'YYYY-MM-DD'), payload, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &event.SpecialistID, &event.TargetDate, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListSkippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id::text
		FROM queue_entries
		WHERE status = 'skipped' AND skipped_at <= $1
		ORDER BY skipped_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error) {
	return getSpecialist(ctx, t.tx, specialistID)
}

func (t *pgTx) UpsertSpecialist(ctx context.Context, specialist models.Specialist) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO specialists (specialist_id, department, daily_capacity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (specialist_id)
		DO UPDATE SET department = EXCLUDED.department, daily_capacity = EXCLUDED.daily_capacity, updated_at = now()
	`, specialist.SpecialistID, specialist.Department, specialist.DailyCapacity)
	return err
}

func (t *pgTx) InsertToken(ctx context.Context, token models.QueueToken) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO queue_tokens (token_id, scope, specialist_id, target_date, issued_at, expires_at, max_redemptions, redemption_count)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
	`, token.TokenID, token.Scope, nullIfEmpty(token.SpecialistID), token.TargetDate, token.IssuedAt, token.ExpiresAt, token.MaxRedemptions, token.RedemptionCount)
	return err
}

func (t *pgTx) LockToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	if !isUUID(tokenID) {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM queue_tokens WHERE token_id = $1 FOR UPDATE`, tokenID), tokenID)
}

func (t *pgTx) SetTokenRedemptions(ctx context.Context, tokenID string, count int) error {
	tag, err := t.tx.Exec(ctx, `UPDATE queue_tokens SET redemption_count = $2 WHERE token_id = $1`, tokenID, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return nil
}

func (t *pgTx) NextSequence(ctx context.Context, specialistID, targetDate string) (int64, int64, error) {
	var sequence, orderKey int64
	row := t.tx.QueryRow(ctx, `
		INSERT INTO entry_sequences (specialist_id, target_date, last_sequence, last_order)
		VALUES ($1, $2::date, 1, 1)
		ON CONFLICT (specialist_id, target_date)
		DO UPDATE SET last_sequence = entry_sequences.last_sequence + 1, last_order = entry_sequences.last_order + 1
		RETURNING last_sequence, last_order
	`, specialistID, targetDate)
	if err := row.Scan(&sequence, &orderKey); err != nil {
		return 0, 0, err
	}
	return sequence, orderKey, nil
}

func (t *pgTx) NextOrderKey(ctx context.Context, specialistID, targetDate string) (int64, error) {
	var orderKey int64
	row := t.tx.QueryRow(ctx, `
		INSERT INTO entry_sequences (specialist_id, target_date, last_sequence, last_order)
		VALUES ($1, $2::date, 0, 1)
		ON CONFLICT (specialist_id, target_date)
		DO UPDATE SET last_order = entry_sequences.last_order + 1
		RETURNING last_order
	`, specialistID, targetDate)
	if err := row.Scan(&orderKey); err != nil {
		return 0, err
	}
	return orderKey, nil
}

func (t *pgTx) CountActiveEntries(ctx context.Context, specialistID, targetDate string) (int, error) {
	var count int
	row := t.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE specialist_id = $1 AND target_date = $2::date AND status <> 'cancelled'
	`, specialistID, targetDate)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry models.QueueEntry) error {
	lines, err := marshalLines(entry.ServiceLines)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, specialist_id, target_date, sequence_number, order_key, patient_ref,
			source, status, service_lines, token_id, created_at
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.EntryID, entry.SpecialistID, entry.TargetDate, entry.SequenceNumber, entry.OrderKey, entry.PatientRef,
		entry.Source, entry.Status, lines, nullIfEmpty(entry.TokenID), entry.CreatedAt)
	return err
}

func (t *pgTx) LockEntries(ctx context.Context, entryIDs []string) (map[string]models.QueueEntry, error) {
	ids := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		if isUUID(id) {
			ids = append(ids, id)
		}
	}
	locked := make(map[string]models.QueueEntry, len(ids))
	if len(ids) == 0 {
		return locked, nil
	}
	entries, err := queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = ANY($1::uuid[])
		ORDER BY entry_id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		locked[entry.EntryID] = entry
	}
	return locked, nil
}

func (t *pgTx) UpdateEntry(ctx context.Context, entry models.QueueEntry) error {
	lines, err := marshalLines(entry.ServiceLines)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE queue_entries
		SET patient_ref = $2, status = $3, service_lines = $4, order_key = $5,
			called_at = $6, skipped_at = $7, completed_at = $8, cancelled_at = $9
		WHERE entry_id = $1
	`, entry.EntryID, entry.PatientRef, entry.Status, lines, entry.OrderKey,
		entry.CalledAt, entry.SkippedAt, entry.CompletedAt, entry.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entry.EntryID)
	}
	return nil
}

func (t *pgTx) LockDispatch(ctx context.Context, specialistID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('dispatch:' || $1))`, specialistID)
	return err
}

func (t *pgTx) FindCalledEntry(ctx context.Context, specialistID string) (models.QueueEntry, bool, error) {
	entries, err := queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE specialist_id = $1 AND status = 'called'
		LIMIT 1
		FOR UPDATE
	`, specialistID)
	if err != nil || len(entries) == 0 {
		return models.QueueEntry{}, false, err
	}
	return entries[0], true, nil
}

func (t *pgTx) NextWaitingEntry(ctx context.Context, specialistID, targetDate string) (models.QueueEntry, bool, error) {
	entries, err := queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE specialist_id = $1 AND target_date = $2::date AND status = 'waiting'
		ORDER BY order_key ASC, sequence_number ASC
		LIMIT 1
		FOR UPDATE
	`, specialistID, targetDate)
	if err != nil || len(entries) == 0 {
		return models.QueueEntry{}, false, err
	}
	return entries[0], true, nil
}

func (t *pgTx) MergeOwners(ctx context.Context, entryIDs []string) (map[string]string, error) {
	owners := make(map[string]string)
	ids := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		if isUUID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return owners, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT merged_id::text, owner_id::text
		FROM entry_merges
		WHERE merged_id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mergedID, ownerID string
		if err := rows.Scan(&mergedID, &ownerID); err != nil {
			return nil, err
		}
		owners[mergedID] = ownerID
	}
	return owners, rows.Err()
}

func (t *pgTx) AddMerge(ctx context.Context, ownerID, mergedID string, mergedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO entry_merges (merged_id, owner_id, merged_at)
		VALUES ($1, $2, $3)
	`, mergedID, ownerID, mergedAt)
	return err
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (store.IdempotencyRecord, bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('idempotency:' || $1))`, key); err != nil {
		return store.IdempotencyRecord{}, false, err
	}
	var record store.IdempotencyRecord
	var response []byte
	row := t.tx.QueryRow(ctx, `
		SELECT key, operation, request_hash, response, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()
	`, key)
	if err := row.Scan(&record.Key, &record.Operation, &record.RequestHash, &response, &record.CreatedAt, &record.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.IdempotencyRecord{}, false, nil
		}
		return store.IdempotencyRecord{}, false, err
	}
	record.Response = json.RawMessage(response)
	return record, true, nil
}

func (t *pgTx) PutIdempotency(ctx context.Context, record store.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, operation, request_hash, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE
		SET operation = EXCLUDED.operation, request_hash = EXCLUDED.request_hash, response = EXCLUDED.response,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`, record.Key, record.Operation, record.RequestHash, []byte(record.Response), record.CreatedAt, record.ExpiresAt)
	return err
}

func (t *pgTx) DeleteIdempotency(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, event store.PendingEvent) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.EntryID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := t.tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, event.EntryID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	// timestamptz keeps microseconds; hash what will be read back.
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	hash := store.ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, createdAt, nextSeq)

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EntryID, nextSeq, event.Type, string(event.Payload), createdAt, prev, hash); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, specialist_id, target_date, payload, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6)
	`, uuid.NewString(), event.Type, event.SpecialistID, event.TargetDate, string(event.Payload), createdAt)
	return err
}

func getSpecialist(ctx context.Context, q querier, specialistID string) (models.Specialist, error) {
	var specialist models.Specialist
	var capacity sql.NullInt32
	row := q.QueryRow(ctx, `
		SELECT specialist_id, department, daily_capacity
		FROM specialists
		WHERE specialist_id = $1
	`, specialistID)
	if err := row.Scan(&specialist.SpecialistID, &specialist.Department, &capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Specialist{}, store.Errorf(store.ErrSpecialistNotFound, "specialist %s does not exist", specialistID)
		}
		return models.Specialist{}, err
	}
	specialist.DailyCapacity = nullIntPtr(capacity)
	return specialist, nil
}

func scanToken(row pgx.Row, tokenID string) (models.QueueToken, error) {
	var token models.QueueToken
	var maxRedemptions sql.NullInt32
	if err := row.Scan(&token.TokenID, &token.Scope, &token.SpecialistID, &token.TargetDate,
		&token.IssuedAt, &token.ExpiresAt, &maxRedemptions, &token.RedemptionCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
		}
		return models.QueueToken{}, err
	}
	token.MaxRedemptions = nullIntPtr(maxRedemptions)
	return token, nil
}

// queryEntries scans entry rows and attaches the ids merged into each one.
func queryEntries(ctx context.Context, q querier, sqlText string, args ...any) ([]models.QueueEntry, error) {
	rows, err := q.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		var lines []byte
		var calledAt, skippedAt, completedAt, cancelledAt sql.NullTime
		if err := rows.Scan(&entry.EntryID, &entry.SpecialistID, &entry.TargetDate, &entry.SequenceNumber, &entry.OrderKey,
			&entry.PatientRef, &entry.Source, &entry.Status, &lines, &entry.TokenID, &entry.CreatedAt,
			&calledAt, &skippedAt, &completedAt, &cancelledAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal(lines, &entry.ServiceLines); err != nil {
			rows.Close()
			return nil, err
		}
		if entry.ServiceLines == nil {
			entry.ServiceLines = []models.ServiceLine{}
		}
		entry.CalledAt = nullTimePtr(calledAt)
		entry.SkippedAt = nullTimePtr(skippedAt)
		entry.CompletedAt = nullTimePtr(completedAt)
		entry.CancelledAt = nullTimePtr(cancelledAt)
		entry.MergedFrom = []string{}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	if err := attachMergedFrom(ctx, q, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func attachMergedFrom(ctx context.Context, q querier, entries []models.QueueEntry) error {
	ids := make([]string, len(entries))
	index := make(map[string]int, len(entries))
	for i, entry := range entries {
		ids[i] = entry.EntryID
		index[entry.EntryID] = i
	}
	rows, err := q.Query(ctx, `
		SELECT owner_id::text, merged_id::text
		FROM entry_merges
		WHERE owner_id = ANY($1::uuid[])
		ORDER BY merged_id::text
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ownerID, mergedID string
		if err := rows.Scan(&ownerID, &mergedID); err != nil {
			return err
		}
		i := index[ownerID]
		entries[i].MergedFrom = append(entries[i].MergedFrom, mergedID)
	}
	return rows.Err()
}

func marshalLines(lines []models.ServiceLine) ([]byte, error) {
	if lines == nil {
		lines = []models.ServiceLine{}
	}
	return json.Marshal(lines)
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int32)
	return &v
}
