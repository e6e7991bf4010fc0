package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"dealvault/core/events"
	corestate "dealvault/core/state"
	"dealvault/core/types"
	nativecommon "dealvault/native/common"
	"dealvault/native/escrow"
	"dealvault/observability/metrics"
	"dealvault/storage"
)

// eventBufferSize bounds the in-memory event journal. Older entries fall off;
// consumers needing full history mirror events into their own store.
const eventBufferSize = 4096

// StoredEvent is a journal entry: the emitted event plus the monotonic
// sequence number subscribers use as a resume cursor.
type StoredEvent struct {
	Sequence  uint64       `json:"sequence"`
	Timestamp int64        `json:"timestamp"`
	Event     *types.Event `json:"event"`
}

// Node owns the persistent state and serializes every escrow transition
// behind a single mutex, so engine operations observe an isolated snapshot.
type Node struct {
	db      storage.Database
	manager *corestate.Manager
	pauses  *nativecommon.PauseSet

	recordDeposit *big.Int

	stateMu sync.Mutex

	eventMu   sync.RWMutex
	journal   []*StoredEvent
	nextSeq   uint64
	subs      map[uint64]chan *StoredEvent
	nextSubID uint64
}

// NewNode creates a node over the supplied database.
func NewNode(db storage.Database) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	return &Node{
		db:      db,
		manager: corestate.NewManager(db),
		pauses:  nativecommon.NewPauseSet(),
		subs:    make(map[uint64]chan *StoredEvent),
	}, nil
}

// SetRecordDeposit overrides the native record deposit applied to newly
// created escrows.
func (n *Node) SetRecordDeposit(amount *big.Int) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if amount == nil {
		n.recordDeposit = nil
		return
	}
	n.recordDeposit = new(big.Int).Set(amount)
}

// SetModulePaused toggles the pause switch for a native module.
func (n *Node) SetModulePaused(module string, paused bool) {
	n.pauses.SetPaused(module, paused)
}

// ModulePaused reports whether a native module is paused.
func (n *Node) ModulePaused(module string) bool {
	return n.pauses.IsPaused(module)
}

type nodeEventEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (e nodeEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.appendEvent(event)
}

func (n *Node) appendEvent(event *types.Event) {
	metrics.Escrow().ObserveTransition(event.Type)
	if event.Type == escrow.EventTypeEscrowCreated || event.Type == escrow.EventTypeEscrowClosed {
		// appendEvent runs under stateMu via the engine emitter, so the
		// index read is consistent with the transition being committed.
		if addrs, err := n.manager.EscrowList(); err == nil {
			metrics.Escrow().SetOpenRecords(len(addrs))
		}
	}
	n.eventMu.Lock()
	n.nextSeq++
	stored := &StoredEvent{
		Sequence:  n.nextSeq,
		Timestamp: time.Now().Unix(),
		Event:     event,
	}
	n.journal = append(n.journal, stored)
	if len(n.journal) > eventBufferSize {
		n.journal = n.journal[len(n.journal)-eventBufferSize:]
	}
	subs := make([]chan *StoredEvent, 0, len(n.subs))
	for _, ch := range n.subs {
		subs = append(subs, ch)
	}
	n.eventMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- stored:
		default:
			// Slow subscriber; it catches up via EventsSince.
		}
	}
}

// EventsSince returns up to limit journal entries with sequence numbers
// strictly greater than cursor.
func (n *Node) EventsSince(cursor uint64, limit int) []*StoredEvent {
	if limit <= 0 || limit > eventBufferSize {
		limit = eventBufferSize
	}
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	out := make([]*StoredEvent, 0, limit)
	for _, stored := range n.journal {
		if stored.Sequence <= cursor {
			continue
		}
		out = append(out, stored)
		if len(out) == limit {
			break
		}
	}
	return out
}

// LatestSequence returns the sequence number of the newest journal entry.
func (n *Node) LatestSequence() uint64 {
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	return n.nextSeq
}

// SubscribeEvents registers a live event feed. The returned cursor is the
// sequence at subscription time; entries after it arrive on the channel.
// Cancel must be called to release the subscription.
func (n *Node) SubscribeEvents(buffer int) (uint64, <-chan *StoredEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *StoredEvent, buffer)
	n.eventMu.Lock()
	cursor := n.nextSeq
	id := n.nextSubID
	n.nextSubID++
	n.subs[id] = ch
	n.eventMu.Unlock()
	cancel := func() {
		n.eventMu.Lock()
		if existing, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(existing)
		}
		n.eventMu.Unlock()
	}
	return cursor, ch, cancel
}

func (n *Node) newEscrowEngine() *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(n.manager)
	engine.SetEmitter(nodeEventEmitter{node: n})
	engine.SetPauses(n.pauses)
	if n.recordDeposit != nil {
		engine.SetRecordDeposit(n.recordDeposit)
	}
	return engine
}

// EscrowInitialize creates a staged escrow and returns the stored record.
func (n *Node) EscrowInitialize(buyer, seller [20]byte, escrowID string, depositMint, receiveMint escrow.AssetRef, depositAmount, receiveAmount *big.Int, description string, expiry int64) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Initialize(buyer, seller, escrowID, depositMint, receiveMint, depositAmount, receiveAmount, description, expiry)
}

// EscrowInitializeInstant creates an instant-flow escrow with the deposit leg
// vaulted up front.
func (n *Node) EscrowInitializeInstant(buyer, seller [20]byte, escrowID string, depositMint, receiveMint escrow.AssetRef, depositAmount, receiveAmount *big.Int, description string, expiry int64) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().InitializeInstant(buyer, seller, escrowID, depositMint, receiveMint, depositAmount, receiveAmount, description, expiry)
}

// EscrowAccept marks a pending escrow as accepted by the seller.
func (n *Node) EscrowAccept(addr [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Accept(addr, caller)
}

// EscrowFund vaults the buyer's deposit leg.
func (n *Node) EscrowFund(addr [32]byte, caller [20]byte, mint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Fund(addr, caller, mint)
}

// EscrowSendAsset vaults the seller's receive leg.
func (n *Node) EscrowSendAsset(addr [32]byte, caller [20]byte, mint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().SendAsset(addr, caller, mint)
}

// EscrowConfirmAsset settles both legs from the vaults.
func (n *Node) EscrowConfirmAsset(addr [32]byte, caller [20]byte, depositMint, receiveMint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().ConfirmAsset(addr, caller, depositMint, receiveMint)
}

// EscrowSettle completes an instant-flow escrow in one step.
func (n *Node) EscrowSettle(addr [32]byte, caller [20]byte, receiveMint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Settle(addr, caller, receiveMint)
}

// EscrowRefundBuyer returns the vaulted deposit leg to the buyer.
func (n *Node) EscrowRefundBuyer(addr [32]byte, caller [20]byte, mint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().RefundBuyer(addr, caller, mint)
}

// EscrowRefundSeller returns the vaulted receive leg to the seller.
func (n *Node) EscrowRefundSeller(addr [32]byte, caller [20]byte, mint escrow.AssetRef) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().RefundSeller(addr, caller, mint)
}

// EscrowRequestRelease raises the advisory release-request flag.
func (n *Node) EscrowRequestRelease(addr [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().RequestRelease(addr, caller)
}

// EscrowClose reclaims the record and returns the record deposit.
func (n *Node) EscrowClose(addr [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Close(addr, caller)
}

// EscrowGet loads the record stored at addr.
func (n *Node) EscrowGet(addr [32]byte) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newEscrowEngine().Get(addr)
}

// EscrowList returns the addresses of all live escrow records.
func (n *Node) EscrowList() ([][32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.EscrowList()
}

// BalanceOf reports an address's spendable balance in the given asset.
func (n *Node) BalanceOf(addr [20]byte, asset escrow.AssetRef) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.BalanceOf(addr, asset)
}

// Mint credits freshly issued funds. Exposed for genesis allocation and the
// development faucet; production deployments gate the RPC behind auth.
func (n *Node) Mint(addr [20]byte, asset escrow.AssetRef, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.Mint(addr, asset, amount)
}

// GetAccount loads the account stored for addr.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.GetAccount(addr)
}
