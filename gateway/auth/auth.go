package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request headers carried by every signed gateway call.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// MaxBodyBytes bounds the request body hashed into a signature.
const MaxBodyBytes = 1 << 20

const (
	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	pruneInterval        = time.Minute
)

// Authentication failures callers may want to distinguish. Malformed or
// missing headers surface as plain errors.
var (
	ErrUnknownKey      = errors.New("auth: unknown api key")
	ErrBadSignature    = errors.New("auth: signature mismatch")
	ErrNonceReused     = errors.New("auth: nonce already used")
	ErrStaleTimestamp  = errors.New("auth: timestamp outside allowed skew")
	ErrTimestampReplay = errors.New("auth: timestamp not increasing")
)

// Principal identifies the API client a request was authenticated as.
type Principal struct {
	APIKey string
}

// NonceRecord is one observed (key, timestamp, nonce) triple.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage durably so replay protection survives
// a gateway restart.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Config carries the tuning knobs for an Authenticator. Zero values fall back
// to hardened defaults; skew and window settings are clamped to the package
// maximums rather than trusted as given.
type Config struct {
	// Secrets maps API key identifiers to their shared signing secret.
	Secrets map[string]string

	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int

	// Now overrides the clock, for tests.
	Now func() time.Time

	Persistence NoncePersistence
}

// Authenticator verifies the HMAC scheme merchants sign gateway requests
// with: every request carries its API key, a unix timestamp, a fresh nonce
// and an HMAC-SHA256 signature over the request metadata and body.
type Authenticator struct {
	secrets       map[string]string
	timestampSkew time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time
	persistence   NoncePersistence

	nonceMu sync.Mutex
	nonces  map[string]*nonceCache

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	lastPruned time.Time
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg Config) *Authenticator {
	secrets := make(map[string]string, len(cfg.Secrets))
	for key, secret := range cfg.Secrets {
		secrets[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	skew := cfg.TimestampSkew
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	ttl := cfg.NonceTTL
	if ttl <= 0 || ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	capacity := cfg.NonceCapacity
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &Authenticator{
		secrets:       secrets,
		timestampSkew: skew,
		nonceTTL:      ttl,
		nonceCapacity: capacity,
		nowFn:         nowFn,
		persistence:   cfg.Persistence,
		nonces:        make(map[string]*nonceCache),
		lastSeen:      make(map[string]int64),
	}
}

// Authenticate validates the signed headers against the request and body,
// returning the caller principal on success.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("auth: body exceeds %d bytes", MaxBodyBytes)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, fmt.Errorf("auth: missing %s header", HeaderAPIKey)
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, ErrUnknownKey
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, fmt.Errorf("auth: missing %s header", HeaderTimestamp)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid timestamp: %w", err)
	}
	ts := time.Unix(secs, 0).UTC()
	now := a.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.timestampSkew {
		return nil, ErrStaleTimestamp
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, fmt.Errorf("auth: missing %s header", HeaderNonce)
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, fmt.Errorf("auth: missing %s header", HeaderSignature)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return nil, ErrBadSignature
	}
	reused, err := a.registerNonce(r.Context(), apiKey, timestamp, nonce, now)
	if err != nil {
		return nil, err
	}
	if reused {
		return nil, ErrNonceReused
	}
	if a.isTimestampReplay(apiKey, secs, now) {
		return nil, ErrTimestampReplay
	}
	return &Principal{APIKey: apiKey}, nil
}

// HydrateNonces warms the in-memory replay cache from persisted records, so
// a restarted gateway does not accept nonces it already honored.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("auth: load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cacheFor(rec.APIKey).add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("auth: persist nonce: %w", err)
		}
		if existed {
			cache.add(composite, now)
			return true, nil
		}
	}
	cache.add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= pruneInterval {
		if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
			return fmt.Errorf("auth: prune persisted nonces: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

// isTimestampReplay enforces strictly increasing timestamps per API key
// inside the skew window, closing the replay gap between nonce expiry and
// timestamp validity.
func (a *Authenticator) isTimestampReplay(apiKey string, current int64, now time.Time) bool {
	cutoff := now.Add(-a.timestampSkew).Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[apiKey]
	if ok && last > cutoff && current <= last {
		return true
	}
	if !ok || current > last {
		a.lastSeen[apiKey] = current
	}
	return false
}

func (a *Authenticator) cacheFor(apiKey string) *nonceCache {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.nonceCapacity)
		a.nonces[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath renders the signed form of the request path: the URL
// path plus the query string with parameters in sorted order.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	params := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(params)
	return path + "?" + strings.Join(params, "&")
}

// ComputeSignature returns the hex HMAC-SHA256 signature over the request
// metadata and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// nonceCache is a bounded replay window for one API key. Entries arrive in
// observation order, so expiry and capacity eviction both pop from the front
// of the queue.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	seen  map[string]struct{}
	queue []nonceEntry
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

func (c *nonceCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(now)
	_, ok := c.seen[key]
	return ok
}

func (c *nonceCache) add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(now)
	if _, ok := c.seen[key]; ok {
		return
	}
	for c.capacity > 0 && len(c.queue) >= c.capacity {
		c.pop()
	}
	c.seen[key] = struct{}{}
	c.queue = append(c.queue, nonceEntry{key: key, ts: now})
}

func (c *nonceCache) evict(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for len(c.queue) > 0 && c.queue[0].ts.Before(cutoff) {
		c.pop()
	}
}

func (c *nonceCache) pop() {
	delete(c.seen, c.queue[0].key)
	c.queue = c.queue[1:]
}
