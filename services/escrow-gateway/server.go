package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dealvault/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// actionMethods maps URL action names to node RPC methods.
var actionMethods = map[string]string{
	"accept":          "escrow_accept",
	"fund":            "escrow_fund",
	"send-asset":      "escrow_sendAsset",
	"confirm":         "escrow_confirmAsset",
	"settle":          "escrow_settle",
	"refund-buyer":    "escrow_refundBuyer",
	"refund-seller":   "escrow_refundSeller",
	"request-release": "escrow_requestRelease",
	"close":           "escrow_close",
}

// Server is the HTTP front-end for escrow interactions.
type Server struct {
	authenticator *Authenticator
	node          NodeClient
	store         *SQLiteStore
	limiter       *middleware.RateLimiter
	nowFn         func() time.Time
	newID         func() string
	router        chi.Router
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, limiter *middleware.RateLimiter) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	s := &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		limiter:       limiter,
		nowFn:         time.Now,
		newID:         func() string { return uuid.NewString() },
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware("gateway"))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/escrows", func(w http.ResponseWriter, req *http.Request) {
		s.handleEscrowCreate(w, req, false)
	})
	r.Post("/escrows/instant", func(w http.ResponseWriter, req *http.Request) {
		s.handleEscrowCreate(w, req, true)
	})
	r.Get("/escrows", s.handleEscrowList)
	r.Get("/escrows/{address}", s.handleEscrowGet)
	r.Post("/escrows/{address}/{action}", s.handleEscrowAction)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, instant bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
	if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr == nil && cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	} else if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return
	}

	var req EscrowCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	if validationErr := validateEscrowCreate(req); validationErr != nil {
		s.writeError(w, http.StatusBadRequest, validationErr)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(validationErr))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	created, err := s.node.EscrowInitialize(ctx, req, instant)
	if err != nil {
		status := nodeErrorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}
	_ = s.store.UpsertEscrow(r.Context(), *created, s.nowFn().UTC())

	payload, err := json.Marshal(created)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusCreated, payload)
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	method, ok := actionMethods[action]
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	var req EscrowActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	req.Address = chi.URLParam(r, "address")
	if strings.TrimSpace(req.Caller) == "" {
		err := errors.New("caller is required")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.node.EscrowAction(ctx, method, req); err != nil {
		status := nodeErrorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}
	s.refreshMirror(r.Context(), req.Address, method)

	payload := []byte(`{"ok":true}`)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusOK, payload)
}

// refreshMirror pulls the post-transition record so reads served from the
// mirror do not lag behind gateway-driven writes. The watcher covers
// transitions submitted through other paths.
func (s *Server) refreshMirror(ctx context.Context, address, method string) {
	if method == "escrow_close" {
		_ = s.store.DeleteEscrow(ctx, address)
		return
	}
	state, err := s.node.EscrowGet(ctx, address)
	if err != nil {
		return
	}
	_ = s.store.UpsertEscrow(ctx, *state, s.nowFn().UTC())
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	esc, err := s.store.GetEscrow(r.Context(), address)
	if err == nil {
		s.writeJSON(w, http.StatusOK, esc)
		return
	}
	if !errors.Is(err, ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	state, err := s.node.EscrowGet(ctx, address)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	_ = s.store.UpsertEscrow(r.Context(), *state, s.nowFn().UTC())
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request) {
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	escrows, err := s.store.ListEscrows(r.Context(), party)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if escrows == nil {
		escrows = []EscrowState{}
	}
	s.writeJSON(w, http.StatusOK, escrows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("cursor must be a non-negative integer"))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	events, err := s.store.ListEvents(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []NodeEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		ID:             s.newID(),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
}

func validateEscrowCreate(req EscrowCreateRequest) error {
	if strings.TrimSpace(req.Buyer) == "" {
		return errors.New("buyer is required")
	}
	if strings.TrimSpace(req.Seller) == "" {
		return errors.New("seller is required")
	}
	if strings.TrimSpace(req.EscrowID) == "" {
		return errors.New("escrowId is required")
	}
	if strings.TrimSpace(req.DepositAmount) == "" {
		return errors.New("depositAmount is required")
	}
	if strings.TrimSpace(req.ReceiveAmount) == "" {
		return errors.New("receiveAmount is required")
	}
	if req.Expiry == 0 {
		return errors.New("expiry is required")
	}
	return nil
}

// nodeErrorStatus maps node RPC error codes onto gateway HTTP statuses.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case -32040: // unknown escrow
		return http.StatusNotFound
	case -32042: // caller is not a party
		return http.StatusForbidden
	case -32041, -32043: // wrong state, expired
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
