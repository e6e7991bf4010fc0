package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const (
	testKey    = "merchant-1"
	testSecret = "super-secret"
)

func newTestAuthenticator(now *time.Time, persistence NoncePersistence) *Authenticator {
	return NewAuthenticator(Config{
		Secrets:       map[string]string{testKey: testSecret},
		TimestampSkew: time.Minute,
		NonceTTL:      5 * time.Minute,
		NonceCapacity: 16,
		Now:           func() time.Time { return *now },
		Persistence:   persistence,
	})
}

func authenticate(t *testing.T, a *Authenticator, ts time.Time, nonce string, body []byte) (*Principal, error) {
	t.Helper()
	req := httptest.NewRequest("POST", "/escrows", nil)
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, ComputeSignature(testSecret, timestamp, nonce, "POST", "/escrows", body))
	return a.Authenticate(req, body)
}

func TestAuthenticateAcceptsSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	principal, err := authenticate(t, auth, now, "nonce-1", []byte(`{"buyer":"x"}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != testKey {
		t.Fatalf("principal = %q, want %q", principal.APIKey, testKey)
	}
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	req := httptest.NewRequest("POST", "/escrows", nil)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, ComputeSignature(testSecret, timestamp, "nonce-1", "POST", "/escrows", []byte(`{"amount":"1"}`)))
	if _, err := auth.Authenticate(req, []byte(`{"amount":"9"}`)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	req := httptest.NewRequest("GET", "/escrows", nil)
	req.Header.Set(HeaderAPIKey, "stranger")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, "00")
	if _, err := auth.Authenticate(req, nil); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("got %v, want ErrUnknownKey", err)
	}
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	if _, err := authenticate(t, auth, now, "nonce-1", nil); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := authenticate(t, auth, now, "nonce-1", nil); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("got %v, want ErrNonceReused", err)
	}
}

func TestAuthenticateRejectsTimestampReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	if _, err := authenticate(t, auth, now, "nonce-1", nil); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := authenticate(t, auth, now, "nonce-2", nil); !errors.Is(err, ErrTimestampReplay) {
		t.Fatalf("got %v, want ErrTimestampReplay", err)
	}
	now = now.Add(time.Second)
	if _, err := authenticate(t, auth, now, "nonce-3", nil); err != nil {
		t.Fatalf("later timestamp rejected: %v", err)
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(&now, nil)
	if _, err := authenticate(t, auth, now.Add(-5*time.Minute), "nonce-1", nil); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("got %v, want ErrStaleTimestamp", err)
	}
}

func TestConfigClampsWindows(t *testing.T) {
	auth := NewAuthenticator(Config{
		Secrets:       map[string]string{testKey: testSecret},
		TimestampSkew: time.Hour,
		NonceTTL:      time.Hour,
		NonceCapacity: 1 << 30,
	})
	if auth.timestampSkew != maxTimestampSkew {
		t.Fatalf("skew = %s, want %s", auth.timestampSkew, maxTimestampSkew)
	}
	if auth.nonceTTL != maxNonceWindow {
		t.Fatalf("ttl = %s, want %s", auth.nonceTTL, maxNonceWindow)
	}
	if auth.nonceCapacity != maxNonceCapacity {
		t.Fatalf("capacity = %d, want %d", auth.nonceCapacity, maxNonceCapacity)
	}
}

func TestCanonicalRequestPathSortsQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/escrows?party=dv1abc&cursor=9", nil)
	if got := CanonicalRequestPath(req); got != "/escrows?cursor=9&party=dv1abc" {
		t.Fatalf("canonical path = %q", got)
	}
	req = httptest.NewRequest("GET", "/healthz", nil)
	if got := CanonicalRequestPath(req); got != "/healthz" {
		t.Fatalf("canonical path = %q", got)
	}
}

func TestNonceCacheBounds(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	cache := newNonceCache(time.Minute, 3)
	for i := 0; i < 4; i++ {
		cache.add(fmt.Sprintf("nonce-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	if cache.contains("nonce-0", base.Add(4*time.Second)) {
		t.Fatalf("oldest entry survived capacity eviction")
	}
	if !cache.contains("nonce-3", base.Add(4*time.Second)) {
		t.Fatalf("newest entry missing")
	}
	if cache.contains("nonce-1", base.Add(2*time.Minute)) {
		t.Fatalf("expired entry survived ttl eviction")
	}
	if len(cache.seen) != 0 || len(cache.queue) != 0 {
		t.Fatalf("cache not drained after expiry: %d entries", len(cache.seen))
	}
}

type memoryPersistence struct {
	records map[string]NonceRecord
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{records: make(map[string]NonceRecord)}
}

func (m *memoryPersistence) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	key := record.APIKey + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := m.records[key]; ok {
		return true, nil
	}
	m.records[key] = record
	return false, nil
}

func (m *memoryPersistence) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	out := make([]NonceRecord, 0, len(m.records))
	for _, rec := range m.records {
		if !rec.ObservedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryPersistence) PruneNonces(_ context.Context, cutoff time.Time) error {
	for key, rec := range m.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(m.records, key)
		}
	}
	return nil
}

func TestHydrateNoncesBlocksReplayAfterRestart(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	persistence := newMemoryPersistence()
	auth := newTestAuthenticator(&now, persistence)
	if _, err := authenticate(t, auth, now, "nonce-1", nil); err != nil {
		t.Fatalf("first use: %v", err)
	}

	restarted := newTestAuthenticator(&now, persistence)
	if err := restarted.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := authenticate(t, restarted, now, "nonce-1", nil); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("got %v, want ErrNonceReused", err)
	}
}
