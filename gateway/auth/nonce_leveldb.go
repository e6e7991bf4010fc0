package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const noncePrefix = "nonce/"

// LevelDBNoncePersistence stores observed nonces in a LevelDB database. One
// key per (api key, timestamp, nonce) triple, valued with the observation
// time; the window stays small because the authenticator prunes expired
// entries on its nonce TTL.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens or creates the database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("auth: nonce store path required")
	}
	db, err := leveldb.OpenFile(trimmed, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying database.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records the nonce if new, reporting whether it already existed.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("auth: nonce store not configured")
	}
	key, err := nonceKey(record)
	if err != nil {
		return false, err
	}
	_, err = p.db.Get(key, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observed.UnixNano()))
	if err := p.db.Put(key, value, nil); err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns entries observed at or after cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("auth: nonce store not configured")
	}
	floor := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, nanos, ok := decodeNonce(iter.Key(), iter.Value())
		if !ok || nanos < floor {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("auth: scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("auth: nonce store not configured")
	}
	floor := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, nanos, ok := decodeNonce(iter.Key(), iter.Value())
		if !ok || nanos >= floor {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("auth: scan nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("auth: prune nonces: %w", err)
		}
	}
	return nil
}

func nonceKey(record NonceRecord) ([]byte, error) {
	apiKey := strings.TrimSpace(record.APIKey)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return nil, fmt.Errorf("auth: nonce record incomplete")
	}
	return []byte(noncePrefix + apiKey + "|" + ts + "|" + nonce), nil
}

func decodeNonce(key, value []byte) (NonceRecord, int64, bool) {
	composite := strings.TrimPrefix(string(key), noncePrefix)
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 || len(value) != 8 {
		return NonceRecord{}, 0, false
	}
	nanos := int64(binary.BigEndian.Uint64(value))
	return NonceRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(0, nanos).UTC(),
	}, nanos, true
}
