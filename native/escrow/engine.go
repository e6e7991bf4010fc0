package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"dealvault/core/events"
	"dealvault/core/types"
	nativecommon "dealvault/native/common"
)

const moduleName = "escrow"

// defaultRecordDeposit is the native-currency deposit vaulted at creation and
// returned when the record is closed, covering the record's storage.
var defaultRecordDeposit = big.NewInt(1_000_000)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(addr [32]byte) (*Escrow, bool)
	EscrowRemove(addr [32]byte) error
	EscrowCredit(addr [32]byte, asset AssetRef, amt *big.Int) error
	EscrowDebit(addr [32]byte, asset AssetRef, amt *big.Int) error
	EscrowBalance(addr [32]byte, asset AssetRef) (*big.Int, error)
	BalanceOf(addr [20]byte, asset AssetRef) (*big.Int, error)
	SetBalanceOf(addr [20]byte, asset AssetRef, amt *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine validates and applies escrow transitions against external state.
// Every operation is synchronous and total-or-failing: all precondition
// checks run before any balance movement, so a rejected transition leaves the
// record and its vaults byte-for-byte unchanged.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	nowFn         func() int64
	pauses        nativecommon.PauseView
	recordDeposit *big.Int
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
		recordDeposit: new(big.Int).Set(defaultRecordDeposit),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses configures the module pause view consulted before transitions.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetRecordDeposit overrides the native record deposit vaulted at creation.
func (e *Engine) SetRecordDeposit(amount *big.Int) {
	if amount == nil || amount.Sign() < 0 {
		e.recordDeposit = big.NewInt(0)
		return
	}
	e.recordDeposit = new(big.Int).Set(amount)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadEscrow(addr [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(addr)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// Get returns the record stored at the derived address.
func (e *Engine) Get(addr [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Initialize creates a new agreement in the staged flow: the record starts at
// Pending and no leg funds move until Fund. Only the native record deposit is
// vaulted, to be returned at Close.
func (e *Engine) Initialize(buyer, seller [20]byte, escrowID string, depositMint, receiveMint AssetRef, depositAmount, receiveAmount *big.Int, description string, expiry int64) (*Escrow, error) {
	return e.initialize(buyer, seller, escrowID, depositMint, receiveMint, depositAmount, receiveAmount, description, expiry, false)
}

// InitializeInstant creates an agreement in the collapsed flow: the deposit
// leg is vaulted as part of creation and the record starts at Active, ready
// for a one-step Settle by the seller.
func (e *Engine) InitializeInstant(buyer, seller [20]byte, escrowID string, depositMint, receiveMint AssetRef, depositAmount, receiveAmount *big.Int, description string, expiry int64) (*Escrow, error) {
	return e.initialize(buyer, seller, escrowID, depositMint, receiveMint, depositAmount, receiveAmount, description, expiry, true)
}

func (e *Engine) initialize(buyer, seller [20]byte, escrowID string, depositMint, receiveMint AssetRef, depositAmount, receiveAmount *big.Int, description string, expiry int64, instant bool) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := ValidateID(escrowID); err != nil {
		return nil, err
	}
	if buyer == seller {
		return nil, ErrSamePartyNotAllowed
	}
	if depositMint == receiveMint {
		return nil, ErrSameAssetNotAllowed
	}
	if err := checkAmount(depositAmount); err != nil {
		return nil, err
	}
	if err := checkAmount(receiveAmount); err != nil {
		return nil, err
	}
	if len(description) > MaxDescriptionLength {
		return nil, ErrDescriptionTooLong
	}
	now := e.now()
	if expiry <= now {
		return nil, ErrInvalidExpiry
	}
	addr, err := DeriveAddress(escrowID, buyer, seller)
	if err != nil {
		return nil, err
	}
	if _, ok := e.state.EscrowGet(addr); ok {
		return nil, ErrAlreadyInitialized
	}
	esc := &Escrow{
		Address:       addr,
		EscrowID:      escrowID,
		Buyer:         buyer,
		Seller:        seller,
		DepositMint:   depositMint,
		ReceiveMint:   receiveMint,
		DepositAmount: cloneBigInt(depositAmount),
		ReceiveAmount: cloneBigInt(receiveAmount),
		Description:   description,
		State:         EscrowPending,
		CreatedAt:     now,
		Expiry:        expiry,
	}
	if e.recordDeposit.Sign() > 0 {
		if err := e.transfer(buyer, DeriveVaultAddress(addr), NativeAsset, e.recordDeposit); err != nil {
			return nil, err
		}
	}
	// The record must exist before custody is credited against it, so an
	// instant creation stores the Pending record first, vaults the deposit
	// leg, then re-stores with the Active state.
	if err := e.storeEscrow(esc); err != nil {
		return nil, e.unwindCreation(esc, err, false)
	}
	if instant {
		if err := e.depositToVault(esc, buyer, esc.DepositMint, esc.DepositAmount); err != nil {
			return nil, e.unwindCreation(esc, err, false)
		}
		esc.State = EscrowActive
		if err := e.storeEscrow(esc); err != nil {
			return nil, e.unwindCreation(esc, err, true)
		}
	}
	e.emit(NewCreatedEvent(esc, instant))
	return esc.Clone(), nil
}

// unwindCreation reverses a partially created record so a rejected creation
// leaves the buyer whole. Reversal failures are joined onto the original
// error rather than discarded.
func (e *Engine) unwindCreation(esc *Escrow, cause error, vaulted bool) error {
	errs := []error{cause}
	if vaulted {
		if err := e.releaseFromVault(esc, esc.Buyer, esc.DepositMint, esc.DepositAmount); err != nil {
			errs = append(errs, fmt.Errorf("return deposit leg: %w", err))
		}
	}
	if e.recordDeposit.Sign() > 0 {
		if err := e.transfer(DeriveVaultAddress(esc.Address), esc.Buyer, NativeAsset, e.recordDeposit); err != nil {
			errs = append(errs, fmt.Errorf("return record deposit: %w", err))
		}
	}
	if err := e.state.EscrowRemove(esc.Address); err != nil {
		errs = append(errs, fmt.Errorf("discard record: %w", err))
	}
	return errors.Join(errs...)
}

// Accept moves a staged escrow from Pending to Active. Seller-only; no funds
// move.
func (e *Engine) Accept(addr [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowPending {
		return ErrInvalidState
	}
	if caller != esc.Seller {
		return ErrUnauthorized
	}
	if e.now() >= esc.Expiry {
		return ErrExpired
	}
	esc.State = EscrowActive
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAcceptedEvent(esc))
	return nil
}

// Fund vaults the buyer's deposit leg. The mint reference supplied with the
// instruction must match the recorded deposit mint.
func (e *Engine) Fund(addr [32]byte, caller [20]byte, mint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowActive {
		return ErrInvalidState
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if e.now() >= esc.Expiry {
		return ErrExpired
	}
	if mint != esc.DepositMint {
		return ErrInvalidMint
	}
	if err := e.depositToVault(esc, esc.Buyer, esc.DepositMint, esc.DepositAmount); err != nil {
		return err
	}
	esc.State = EscrowFunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// SendAsset vaults the seller's receive leg once the deposit leg is custodied.
func (e *Engine) SendAsset(addr [32]byte, caller [20]byte, mint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowFunded {
		return ErrInvalidState
	}
	if caller != esc.Seller {
		return ErrUnauthorized
	}
	if e.now() >= esc.Expiry {
		return ErrExpired
	}
	if mint != esc.ReceiveMint {
		return ErrInvalidMint
	}
	if err := e.depositToVault(esc, esc.Seller, esc.ReceiveMint, esc.ReceiveAmount); err != nil {
		return err
	}
	esc.State = EscrowAssetSent
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAssetSentEvent(esc))
	return nil
}

// ConfirmAsset settles the swap: the vaulted deposit leg pays the seller and
// the vaulted receive leg pays the buyer in one atomic step, after which both
// custody totals are zero. Buyer-only, and the only transition that credits
// both counterparties.
func (e *Engine) ConfirmAsset(addr [32]byte, caller [20]byte, depositMint, receiveMint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowAssetSent {
		return ErrInvalidState
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if e.now() >= esc.Expiry {
		return ErrExpired
	}
	if depositMint != esc.DepositMint {
		return ErrInvalidMint
	}
	if receiveMint != esc.ReceiveMint {
		return ErrInvalidMint
	}
	// Both payouts are validated up front so neither leg moves unless both
	// can complete.
	for _, leg := range []struct {
		mint   AssetRef
		amount *big.Int
		to     [20]byte
	}{
		{esc.DepositMint, esc.DepositAmount, esc.Seller},
		{esc.ReceiveMint, esc.ReceiveAmount, esc.Buyer},
	} {
		vaulted, err := e.vaultedBalance(esc, leg.mint)
		if err != nil {
			return err
		}
		if vaulted.Cmp(leg.amount) < 0 {
			return ErrVaultUnderfunded
		}
		if err := e.checkCredit(leg.to, leg.mint, leg.amount); err != nil {
			return err
		}
	}
	if err := e.releaseFromVault(esc, esc.Seller, esc.DepositMint, esc.DepositAmount); err != nil {
		return err
	}
	if err := e.releaseFromVault(esc, esc.Buyer, esc.ReceiveMint, esc.ReceiveAmount); err != nil {
		return err
	}
	esc.State = EscrowReleased
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc))
	return nil
}

// Settle completes an instant-flow escrow in one step: the seller's receive
// leg transfers directly to the buyer and the vaulted deposit leg pays the
// seller. Requires the deposit leg to be fully custodied, which distinguishes
// an instant Active record from a staged one.
func (e *Engine) Settle(addr [32]byte, caller [20]byte, receiveMint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowActive {
		return ErrInvalidState
	}
	if caller != esc.Seller {
		return ErrUnauthorized
	}
	if e.now() >= esc.Expiry {
		return ErrExpired
	}
	if receiveMint != esc.ReceiveMint {
		return ErrInvalidMint
	}
	vaulted, err := e.vaultedBalance(esc, esc.DepositMint)
	if err != nil {
		return err
	}
	if vaulted.Cmp(esc.DepositAmount) < 0 {
		return ErrInvalidState
	}
	sellerBal, err := e.state.BalanceOf(esc.Seller, esc.ReceiveMint)
	if err != nil {
		return err
	}
	if sellerBal.Cmp(esc.ReceiveAmount) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.checkCredit(esc.Buyer, esc.ReceiveMint, esc.ReceiveAmount); err != nil {
		return err
	}
	if err := e.checkCredit(esc.Seller, esc.DepositMint, esc.DepositAmount); err != nil {
		return err
	}
	if err := e.transfer(esc.Seller, esc.Buyer, esc.ReceiveMint, esc.ReceiveAmount); err != nil {
		return err
	}
	if err := e.releaseFromVault(esc, esc.Seller, esc.DepositMint, esc.DepositAmount); err != nil {
		return err
	}
	esc.State = EscrowReleased
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewSettledEvent(esc))
	return nil
}

// RefundBuyer returns the vaulted deposit leg to the buyer. Available only
// while the deposit leg is custodied and the receive leg is not, i.e. from
// Funded, and remains available after expiry: expiry protects the parties,
// not the custody.
func (e *Engine) RefundBuyer(addr [32]byte, caller [20]byte, mint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowFunded {
		return ErrInvalidState
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if mint != esc.DepositMint {
		return ErrInvalidMint
	}
	if err := e.releaseFromVault(esc, esc.Buyer, esc.DepositMint, esc.DepositAmount); err != nil {
		return err
	}
	esc.State = EscrowActive
	esc.BuyerRefundRequested = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc, "deposit"))
	return nil
}

// RefundSeller returns the vaulted receive leg to the seller, reversing
// SendAsset. Available after expiry for the same reason as RefundBuyer.
func (e *Engine) RefundSeller(addr [32]byte, caller [20]byte, mint AssetRef) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowAssetSent {
		return ErrInvalidState
	}
	if caller != esc.Seller {
		return ErrUnauthorized
	}
	if mint != esc.ReceiveMint {
		return ErrInvalidMint
	}
	if err := e.releaseFromVault(esc, esc.Seller, esc.ReceiveMint, esc.ReceiveAmount); err != nil {
		return err
	}
	esc.State = EscrowFunded
	esc.SellerRefundRequested = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc, "receive"))
	return nil
}

// RequestRelease raises the seller's release-request flag once both legs are
// custodied. The flag is advisory: it drives no transition and exists for
// off-chain consumers to nudge the buyer toward ConfirmAsset.
func (e *Engine) RequestRelease(addr [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if esc.State != EscrowAssetSent {
		return ErrInvalidState
	}
	if caller != esc.Seller {
		return ErrUnauthorized
	}
	if esc.RequestedRelease {
		return nil
	}
	esc.RequestedRelease = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReleaseRequestedEvent(esc))
	return nil
}

// Close reclaims the record and returns the native record deposit to the
// creator. Allowed from Pending, Active (an instant-flow deposit still
// custodied is returned to the buyer first) and Released; any state with leg
// funds owed to the counterparty rejects with ErrInvalidState.
func (e *Engine) Close(addr [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	switch esc.State {
	case EscrowPending, EscrowActive, EscrowReleased:
	default:
		return ErrInvalidState
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if esc.State == EscrowActive {
		var depositVaulted *big.Int
		for _, mint := range esc.LegMints() {
			vaulted, err := e.vaultedBalance(esc, mint)
			if err != nil {
				return err
			}
			if vaulted.Sign() == 0 {
				continue
			}
			// Only the buyer's own deposit leg may still be custodied
			// here; anything vaulted under the receive leg is owed to
			// the seller and blocks the close.
			if mint != esc.DepositMint {
				return ErrInvalidState
			}
			depositVaulted = vaulted
		}
		if depositVaulted != nil {
			if err := e.releaseFromVault(esc, esc.Buyer, esc.DepositMint, depositVaulted); err != nil {
				return err
			}
		}
	}
	if e.recordDeposit.Sign() > 0 {
		if err := e.transfer(DeriveVaultAddress(esc.Address), esc.Buyer, NativeAsset, e.recordDeposit); err != nil {
			return err
		}
	}
	esc.State = EscrowClosed
	e.emit(NewClosedEvent(esc))
	return e.state.EscrowRemove(esc.Address)
}
