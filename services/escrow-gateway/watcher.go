package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	watcherReconnectMin = time.Second
	watcherReconnectMax = 30 * time.Second
	eventTypeClosed     = "escrow.closed"
)

// EventWatcher subscribes to the node's event stream and keeps the local
// escrow mirror in sync while persisting every observed event.
type EventWatcher struct {
	wsURL string
	node  NodeClient
	store *SQLiteStore
	nowFn func() time.Time
}

func NewEventWatcher(wsURL string, node NodeClient, store *SQLiteStore) *EventWatcher {
	return &EventWatcher{
		wsURL: wsURL,
		node:  node,
		store: store,
		nowFn: time.Now,
	}
}

// Run maintains the websocket subscription until the context is cancelled.
// The persisted cursor makes restarts resume where the last session stopped.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || strings.TrimSpace(w.wsURL) == "" {
		return
	}
	backoff := watcherReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("event stream disconnected", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > watcherReconnectMax {
			backoff = watcherReconnectMax
		}
	}
}

func (w *EventWatcher) stream(ctx context.Context) error {
	cursor, err := w.store.LastEventSequence(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("%s?cursor=%d", w.wsURL, cursor), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var evt NodeEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return err
		}
		if evt.Sequence <= cursor {
			continue
		}
		w.handleEvent(ctx, evt)
		cursor = evt.Sequence
		if err := w.store.UpdateEventSequence(ctx, cursor); err != nil {
			slog.Warn("persist event cursor", "error", err)
		}
	}
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	createdAt := time.Unix(evt.Timestamp, 0)
	if evt.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	if err := w.store.InsertEvent(ctx, evt, createdAt); err != nil {
		slog.Warn("store event", "sequence", evt.Sequence, "error", err)
	}

	address := strings.TrimSpace(evt.Attributes["address"])
	if address == "" || !strings.HasPrefix(evt.Type, "escrow.") {
		return
	}
	if evt.Type == eventTypeClosed {
		if err := w.store.DeleteEscrow(ctx, address); err != nil {
			slog.Warn("drop mirrored escrow", "address", address, "error", err)
		}
		return
	}
	state, err := w.node.EscrowGet(ctx, address)
	if err != nil {
		slog.Warn("refresh mirrored escrow", "address", address, "error", err)
		return
	}
	if err := w.store.UpsertEscrow(ctx, *state, createdAt); err != nil {
		slog.Warn("upsert mirrored escrow", "address", address, "error", err)
	}
}
