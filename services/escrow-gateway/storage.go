package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages idempotency keys, audit logs and the local escrow mirror.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrNotFound is returned when a mirrored record does not exist.
var ErrNotFound = errors.New("record not found")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id TEXT PRIMARY KEY,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS escrows (
            address TEXT PRIMARY KEY,
            escrow_id TEXT NOT NULL,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL,
            deposit_mint TEXT NOT NULL,
            receive_mint TEXT NOT NULL,
            deposit_amount TEXT NOT NULL,
            receive_amount TEXT NOT NULL,
            description TEXT,
            state TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            expiry INTEGER NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller);`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry records a single authenticated request and its outcome.
type AuditEntry struct {
	ID             string
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(id, api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.ID, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// UpsertEscrow refreshes the mirrored copy of an escrow record.
func (s *SQLiteStore) UpsertEscrow(ctx context.Context, esc EscrowState, updatedAt time.Time) error {
	const stmt = `INSERT OR REPLACE INTO escrows(address, escrow_id, buyer, seller, deposit_mint, receive_mint, deposit_amount, receive_amount, description, state, created_at, expiry, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, esc.Address, esc.EscrowID, esc.Buyer, esc.Seller, esc.DepositMint, esc.ReceiveMint, esc.DepositAmount, esc.ReceiveAmount, esc.Description, esc.State, esc.CreatedAt, esc.Expiry, updatedAt.UTC())
	return err
}

// DeleteEscrow drops a mirrored escrow after the record closes on the node.
func (s *SQLiteStore) DeleteEscrow(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM escrows WHERE address = ?`, address)
	return err
}

func (s *SQLiteStore) GetEscrow(ctx context.Context, address string) (EscrowState, error) {
	const query = `SELECT address, escrow_id, buyer, seller, deposit_mint, receive_mint, deposit_amount, receive_amount, description, state, created_at, expiry FROM escrows WHERE address = ?`
	row := s.db.QueryRowContext(ctx, query, address)
	esc, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EscrowState{}, ErrNotFound
	}
	return esc, err
}

// ListEscrows returns mirrored escrows, optionally filtered to one party's
// deals (buyer or seller side), ordered by creation time descending.
func (s *SQLiteStore) ListEscrows(ctx context.Context, party string) ([]EscrowState, error) {
	query := `SELECT address, escrow_id, buyer, seller, deposit_mint, receive_mint, deposit_amount, receive_amount, description, state, created_at, expiry FROM escrows`
	args := []interface{}{}
	if party != "" {
		query += ` WHERE buyer = ? OR seller = ?`
		args = append(args, party, party)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EscrowState
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (EscrowState, error) {
	var esc EscrowState
	var description sql.NullString
	err := row.Scan(&esc.Address, &esc.EscrowID, &esc.Buyer, &esc.Seller, &esc.DepositMint, &esc.ReceiveMint, &esc.DepositAmount, &esc.ReceiveAmount, &description, &esc.State, &esc.CreatedAt, &esc.Expiry)
	if err != nil {
		return EscrowState{}, err
	}
	esc.Description = description.String
	return esc, nil
}

// InsertEvent stores an observed node event. Replays of an already stored
// sequence are ignored.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt NodeEvent, createdAt time.Time) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR IGNORE INTO events(sequence, type, attributes, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, string(attrs), createdAt.UTC())
	return err
}

// ListEvents returns stored events after the given sequence.
func (s *SQLiteStore) ListEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	query := `SELECT sequence, type, attributes, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NodeEvent
	for rows.Next() {
		var evt NodeEvent
		var attrs string
		var createdAt time.Time
		if err := rows.Scan(&evt.Sequence, &evt.Type, &attrs, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		evt.Timestamp = createdAt.Unix()
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LastEventSequence returns the watcher's persisted cursor.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM event_cursors WHERE name = 'watcher'`)
	var value uint64
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return value, err
}

// UpdateEventSequence persists the watcher cursor.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, value uint64) error {
	const stmt = `INSERT OR REPLACE INTO event_cursors(name, value) VALUES ('watcher', ?)`
	_, err := s.db.ExecContext(ctx, stmt, value)
	return err
}
