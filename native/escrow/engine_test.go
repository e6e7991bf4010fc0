package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"dealvault/core/events"
	nativecommon "dealvault/native/common"
)

const testNow int64 = 1_700_000_000

var (
	testDepositMint = mustAsset(0x11)
	testReceiveMint = mustAsset(0x22)
)

func mustAsset(fill byte) AssetRef {
	var a AssetRef
	copy(a[:], bytes.Repeat([]byte{fill}, 32))
	return a
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type mockState struct {
	escrows  map[[32]byte]*Escrow
	custody  map[[32]byte]map[AssetRef]*big.Int
	balances map[[20]byte]map[AssetRef]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[32]byte]*Escrow),
		custody:  make(map[[32]byte]map[AssetRef]*big.Int),
		balances: make(map[[20]byte]map[AssetRef]*big.Int),
	}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("nil escrow")
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.Address] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(addr [32]byte) (*Escrow, bool) {
	esc, ok := m.escrows[addr]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) EscrowRemove(addr [32]byte) error {
	delete(m.escrows, addr)
	delete(m.custody, addr)
	return nil
}

func (m *mockState) EscrowCredit(addr [32]byte, asset AssetRef, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("invalid credit")
	}
	if _, ok := m.escrows[addr]; !ok {
		return fmt.Errorf("escrow not found")
	}
	if _, ok := m.custody[addr]; !ok {
		m.custody[addr] = make(map[AssetRef]*big.Int)
	}
	current := big.NewInt(0)
	if existing, ok := m.custody[addr][asset]; ok && existing != nil {
		current = new(big.Int).Set(existing)
	}
	m.custody[addr][asset] = current.Add(current, amt)
	return nil
}

func (m *mockState) EscrowDebit(addr [32]byte, asset AssetRef, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("invalid debit")
	}
	current := big.NewInt(0)
	if assets, ok := m.custody[addr]; ok {
		if existing, exists := assets[asset]; exists && existing != nil {
			current = new(big.Int).Set(existing)
		}
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient custody")
	}
	current.Sub(current, amt)
	if current.Sign() == 0 {
		delete(m.custody[addr], asset)
	} else {
		m.custody[addr][asset] = current
	}
	return nil
}

func (m *mockState) EscrowBalance(addr [32]byte, asset AssetRef) (*big.Int, error) {
	if assets, ok := m.custody[addr]; ok {
		if existing, exists := assets[asset]; exists && existing != nil {
			return new(big.Int).Set(existing), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *mockState) BalanceOf(addr [20]byte, asset AssetRef) (*big.Int, error) {
	if assets, ok := m.balances[addr]; ok {
		if existing, exists := assets[asset]; exists && existing != nil {
			return new(big.Int).Set(existing), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetBalanceOf(addr [20]byte, asset AssetRef, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("invalid balance")
	}
	if _, ok := m.balances[addr]; !ok {
		m.balances[addr] = make(map[AssetRef]*big.Int)
	}
	m.balances[addr][asset] = new(big.Int).Set(amt)
	return nil
}

func (m *mockState) fund(addr [20]byte, asset AssetRef, amt int64) {
	if _, ok := m.balances[addr]; !ok {
		m.balances[addr] = make(map[AssetRef]*big.Int)
	}
	m.balances[addr][asset] = big.NewInt(amt)
}

func (m *mockState) balance(t *testing.T, addr [20]byte, asset AssetRef) *big.Int {
	t.Helper()
	bal, err := m.BalanceOf(addr, asset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (m *mockState) custodyOf(t *testing.T, addr [32]byte, asset AssetRef) *big.Int {
	t.Helper()
	bal, err := m.EscrowBalance(addr, asset)
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	return bal
}

// totalSupply sums account balances and vault custody for one asset so tests
// can assert conservation across transitions.
func (m *mockState) totalSupply(asset AssetRef) *big.Int {
	total := big.NewInt(0)
	for _, assets := range m.balances {
		if bal, ok := assets[asset]; ok && bal != nil {
			total.Add(total, bal)
		}
	}
	return total
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

const testRecordDeposit int64 = 1_000

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return testNow })
	engine.SetRecordDeposit(big.NewInt(testRecordDeposit))
	return engine
}

type fixture struct {
	state  *mockState
	engine *Engine
	buyer  [20]byte
	seller [20]byte
	addr   [32]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 500)
	state.fund(seller, testReceiveMint, 900)
	esc, err := engine.Initialize(buyer, seller, "deal-1", testDepositMint, testReceiveMint, big.NewInt(500), big.NewInt(900), "laptop for tokens", testNow+3600)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &fixture{state: state, engine: engine, buyer: buyer, seller: seller, addr: esc.Address}
}

func (f *fixture) mustAccept(t *testing.T) {
	t.Helper()
	if err := f.engine.Accept(f.addr, f.seller); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func (f *fixture) mustFund(t *testing.T) {
	t.Helper()
	if err := f.engine.Fund(f.addr, f.buyer, testDepositMint); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) mustSendAsset(t *testing.T) {
	t.Helper()
	if err := f.engine.SendAsset(f.addr, f.seller, testReceiveMint); err != nil {
		t.Fatalf("send asset: %v", err)
	}
}

func (f *fixture) stateOf(t *testing.T) EscrowState {
	t.Helper()
	esc, err := f.engine.Get(f.addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return esc.State
}

type initParams struct {
	buyer, seller                [20]byte
	id                           string
	depositMint, receiveMint     AssetRef
	depositAmount, receiveAmount *big.Int
	description                  string
	expiry                       int64
}

func TestInitializeValidations(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	longID := string(bytes.Repeat([]byte{'a'}, MaxIDLength+1))
	longDesc := string(bytes.Repeat([]byte{'d'}, MaxDescriptionLength+1))
	overflow := new(big.Int).Add(maxAmount, big.NewInt(1))

	cases := []struct {
		name    string
		mutate  func(*initParams)
		wantErr error
	}{
		{"empty id", func(p *initParams) { p.id = "" }, ErrIDTooShort},
		{"long id", func(p *initParams) { p.id = longID }, ErrIDTooLong},
		{"same party", func(p *initParams) { p.seller = p.buyer }, ErrSamePartyNotAllowed},
		{"same asset", func(p *initParams) { p.receiveMint = p.depositMint }, ErrSameAssetNotAllowed},
		{"zero deposit", func(p *initParams) { p.depositAmount = big.NewInt(0) }, ErrAmountTooLow},
		{"negative receive", func(p *initParams) { p.receiveAmount = big.NewInt(-1) }, ErrAmountTooLow},
		{"overflow receive", func(p *initParams) { p.receiveAmount = overflow }, ErrOverflow},
		{"long description", func(p *initParams) { p.description = longDesc }, ErrDescriptionTooLong},
		{"past expiry", func(p *initParams) { p.expiry = testNow }, ErrInvalidExpiry},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newMockState()
			engine := newTestEngine(state)
			state.fund(buyer, NativeAsset, testRecordDeposit)
			params := initParams{buyer, seller, "deal-1", testDepositMint, testReceiveMint, big.NewInt(10), big.NewInt(20), "ok", testNow + 60}
			tc.mutate(&params)
			if _, err := engine.Initialize(params.buyer, params.seller, params.id, params.depositMint, params.receiveMint, params.depositAmount, params.receiveAmount, params.description, params.expiry); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestInitializeRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.state.fund(f.buyer, NativeAsset, testRecordDeposit)
	if _, err := f.engine.Initialize(f.buyer, f.seller, "deal-1", testDepositMint, testReceiveMint, big.NewInt(500), big.NewInt(900), "", testNow+3600); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitializeVaultsRecordDeposit(t *testing.T) {
	f := newFixture(t)
	if got := f.state.balance(t, f.buyer, NativeAsset); got.Sign() != 0 {
		t.Fatalf("buyer native balance = %s, want 0", got)
	}
	vault := DeriveVaultAddress(f.addr)
	if got := f.state.balance(t, vault, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("vault native balance = %s, want %d", got, testRecordDeposit)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Sign() != 0 {
		t.Fatalf("deposit custody = %s, want 0", got)
	}
	if got := f.stateOf(t); got != EscrowPending {
		t.Fatalf("state = %s, want pending", got)
	}
}

func TestInitializeRequiresRecordDeposit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	if _, err := engine.Initialize(buyer, seller, "deal-1", testDepositMint, testReceiveMint, big.NewInt(10), big.NewInt(20), "", testNow+60); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if len(state.escrows) != 0 {
		t.Fatalf("escrow stored despite failed creation")
	}
}

func TestAcceptTransitions(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Accept(f.addr, f.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer accept: got %v, want ErrUnauthorized", err)
	}
	f.mustAccept(t)
	if got := f.stateOf(t); got != EscrowActive {
		t.Fatalf("state = %s, want active", got)
	}
	if err := f.engine.Accept(f.addr, f.seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second accept: got %v, want ErrInvalidState", err)
	}
}

func TestAcceptAfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	f.engine.SetNowFunc(func() int64 { return testNow + 7200 })
	if err := f.engine.Accept(f.addr, f.seller); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestFundVaultsDepositLeg(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Fund(f.addr, f.buyer, testDepositMint); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("fund from pending: got %v, want ErrInvalidState", err)
	}
	f.mustAccept(t)
	if err := f.engine.Fund(f.addr, f.seller, testDepositMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller fund: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.Fund(f.addr, f.buyer, testReceiveMint); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("wrong mint: got %v, want ErrInvalidMint", err)
	}
	f.mustFund(t)
	if got := f.state.balance(t, f.buyer, testDepositMint); got.Sign() != 0 {
		t.Fatalf("buyer deposit balance = %s, want 0", got)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Int64() != 500 {
		t.Fatalf("deposit custody = %s, want 500", got)
	}
	if got := f.stateOf(t); got != EscrowFunded {
		t.Fatalf("state = %s, want funded", got)
	}
}

func TestFundInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.state.fund(f.buyer, testDepositMint, 499)
	if err := f.engine.Fund(f.addr, f.buyer, testDepositMint); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := f.stateOf(t); got != EscrowActive {
		t.Fatalf("state changed on failed fund: %s", got)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Sign() != 0 {
		t.Fatalf("custody moved on failed fund: %s", got)
	}
}

func TestSendAssetVaultsReceiveLeg(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	if err := f.engine.SendAsset(f.addr, f.buyer, testReceiveMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer send: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.SendAsset(f.addr, f.seller, testDepositMint); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("wrong mint: got %v, want ErrInvalidMint", err)
	}
	f.mustSendAsset(t)
	if got := f.state.custodyOf(t, f.addr, testReceiveMint); got.Int64() != 900 {
		t.Fatalf("receive custody = %s, want 900", got)
	}
	if got := f.stateOf(t); got != EscrowAssetSent {
		t.Fatalf("state = %s, want asset_sent", got)
	}
}

func TestConfirmAssetSettlesBothLegs(t *testing.T) {
	f := newFixture(t)
	supplyDeposit := f.state.totalSupply(testDepositMint)
	supplyReceive := f.state.totalSupply(testReceiveMint)
	f.mustAccept(t)
	f.mustFund(t)
	f.mustSendAsset(t)
	if err := f.engine.ConfirmAsset(f.addr, f.seller, testDepositMint, testReceiveMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller confirm: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testReceiveMint, testReceiveMint); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("wrong deposit mint: got %v, want ErrInvalidMint", err)
	}
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testDepositMint, testReceiveMint); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := f.state.balance(t, f.seller, testDepositMint); got.Int64() != 500 {
		t.Fatalf("seller deposit payout = %s, want 500", got)
	}
	if got := f.state.balance(t, f.buyer, testReceiveMint); got.Int64() != 900 {
		t.Fatalf("buyer receive payout = %s, want 900", got)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Sign() != 0 {
		t.Fatalf("deposit custody after settle = %s, want 0", got)
	}
	if got := f.state.custodyOf(t, f.addr, testReceiveMint); got.Sign() != 0 {
		t.Fatalf("receive custody after settle = %s, want 0", got)
	}
	if got := f.stateOf(t); got != EscrowReleased {
		t.Fatalf("state = %s, want released", got)
	}
	if got := f.state.totalSupply(testDepositMint); got.Cmp(supplyDeposit) != 0 {
		t.Fatalf("deposit supply drifted: %s != %s", got, supplyDeposit)
	}
	if got := f.state.totalSupply(testReceiveMint); got.Cmp(supplyReceive) != 0 {
		t.Fatalf("receive supply drifted: %s != %s", got, supplyReceive)
	}
}

func TestConfirmAssetOverflowLeavesStateIntact(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	f.mustSendAsset(t)
	if err := f.state.SetBalanceOf(f.buyer, testReceiveMint, new(big.Int).Set(maxAmount)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testDepositMint, testReceiveMint); !errors.Is(err, ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if got := f.state.balance(t, f.seller, testDepositMint); got.Sign() != 0 {
		t.Fatalf("seller paid on failed confirm: %s", got)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Int64() != 500 {
		t.Fatalf("deposit custody disturbed: %s", got)
	}
	if got := f.state.custodyOf(t, f.addr, testReceiveMint); got.Int64() != 900 {
		t.Fatalf("receive custody disturbed: %s", got)
	}
	if got := f.stateOf(t); got != EscrowAssetSent {
		t.Fatalf("state = %s, want asset_sent", got)
	}
}

func TestRefundBuyerReturnsDeposit(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	if err := f.engine.RefundBuyer(f.addr, f.buyer, testDepositMint); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund before fund: got %v, want ErrInvalidState", err)
	}
	f.mustFund(t)
	if err := f.engine.RefundBuyer(f.addr, f.seller, testDepositMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller refund: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.RefundBuyer(f.addr, f.buyer, testDepositMint); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.state.balance(t, f.buyer, testDepositMint); got.Int64() != 500 {
		t.Fatalf("buyer balance after refund = %s, want 500", got)
	}
	esc, err := f.engine.Get(f.addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.State != EscrowActive {
		t.Fatalf("state = %s, want active", esc.State)
	}
	if !esc.BuyerRefundRequested {
		t.Fatalf("buyer refund flag not raised")
	}
}

func TestRefundSellerReversesSendAsset(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	f.mustSendAsset(t)
	if err := f.engine.RefundSeller(f.addr, f.buyer, testReceiveMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer refund: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.RefundSeller(f.addr, f.seller, testReceiveMint); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.state.balance(t, f.seller, testReceiveMint); got.Int64() != 900 {
		t.Fatalf("seller balance after refund = %s, want 900", got)
	}
	if got := f.state.custodyOf(t, f.addr, testDepositMint); got.Int64() != 500 {
		t.Fatalf("deposit custody disturbed: %s", got)
	}
	esc, err := f.engine.Get(f.addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.State != EscrowFunded {
		t.Fatalf("state = %s, want funded", esc.State)
	}
	if !esc.SellerRefundRequested {
		t.Fatalf("seller refund flag not raised")
	}
	if err := f.engine.RefundSeller(f.addr, f.seller, testReceiveMint); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second refund: got %v, want ErrInvalidState", err)
	}
}

func TestExpiryBlocksForwardAllowsRecovery(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	f.mustSendAsset(t)
	f.engine.SetNowFunc(func() int64 { return testNow + 7200 })
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testDepositMint, testReceiveMint); !errors.Is(err, ErrExpired) {
		t.Fatalf("confirm after expiry: got %v, want ErrExpired", err)
	}
	if err := f.engine.RefundSeller(f.addr, f.seller, testReceiveMint); err != nil {
		t.Fatalf("seller refund after expiry: %v", err)
	}
	if err := f.engine.RefundBuyer(f.addr, f.buyer, testDepositMint); err != nil {
		t.Fatalf("buyer refund after expiry: %v", err)
	}
	if err := f.engine.Close(f.addr, f.buyer); err != nil {
		t.Fatalf("close after expiry: %v", err)
	}
}

func TestCloseReturnsRecordDeposit(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Close(f.addr, f.seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller close: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.Close(f.addr, f.buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.state.balance(t, f.buyer, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("record deposit not returned: %s", got)
	}
	if _, err := f.engine.Get(f.addr); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("record survives close: %v", err)
	}
}

func TestCloseRejectedWhileLegsCustodied(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	if err := f.engine.Close(f.addr, f.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("close from funded: got %v, want ErrInvalidState", err)
	}
	f.mustSendAsset(t)
	if err := f.engine.Close(f.addr, f.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("close from asset_sent: got %v, want ErrInvalidState", err)
	}
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testDepositMint, testReceiveMint); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.engine.Close(f.addr, f.buyer); err != nil {
		t.Fatalf("close from released: %v", err)
	}
}

func TestInstantLifecycle(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 100)
	state.fund(seller, testReceiveMint, 250)
	esc, err := engine.InitializeInstant(buyer, seller, "swap-1", testDepositMint, testReceiveMint, big.NewInt(100), big.NewInt(250), "", testNow+600)
	if err != nil {
		t.Fatalf("initialize instant: %v", err)
	}
	if esc.State != EscrowActive {
		t.Fatalf("state = %s, want active", esc.State)
	}
	bal, err := state.EscrowBalance(esc.Address, testDepositMint)
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	if bal.Int64() != 100 {
		t.Fatalf("deposit custody = %s, want 100", bal)
	}
	if err := engine.Settle(esc.Address, buyer, testReceiveMint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer settle: got %v, want ErrUnauthorized", err)
	}
	if err := engine.Settle(esc.Address, seller, testDepositMint); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("wrong mint: got %v, want ErrInvalidMint", err)
	}
	if err := engine.Settle(esc.Address, seller, testReceiveMint); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := state.balance(t, seller, testDepositMint); got.Int64() != 100 {
		t.Fatalf("seller payout = %s, want 100", got)
	}
	if got := state.balance(t, buyer, testReceiveMint); got.Int64() != 250 {
		t.Fatalf("buyer payout = %s, want 250", got)
	}
	if err := engine.Close(esc.Address, buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := state.balance(t, buyer, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("record deposit not returned: %s", got)
	}
}

func TestSettleRejectsStagedActive(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	if err := f.engine.Settle(f.addr, f.seller, testReceiveMint); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestSettleRequiresSellerLiquidity(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 100)
	esc, err := engine.InitializeInstant(buyer, seller, "swap-1", testDepositMint, testReceiveMint, big.NewInt(100), big.NewInt(250), "", testNow+600)
	if err != nil {
		t.Fatalf("initialize instant: %v", err)
	}
	if err := engine.Settle(esc.Address, seller, testReceiveMint); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	bal, err := state.EscrowBalance(esc.Address, testDepositMint)
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	if bal.Int64() != 100 {
		t.Fatalf("deposit custody disturbed by failed settle: %s", bal)
	}
}

func TestSettleOverflowLeavesStateIntact(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 100)
	state.fund(seller, testReceiveMint, 250)
	esc, err := engine.InitializeInstant(buyer, seller, "swap-1", testDepositMint, testReceiveMint, big.NewInt(100), big.NewInt(250), "", testNow+600)
	if err != nil {
		t.Fatalf("initialize instant: %v", err)
	}
	if err := state.SetBalanceOf(seller, testDepositMint, new(big.Int).Set(maxAmount)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := engine.Settle(esc.Address, seller, testReceiveMint); !errors.Is(err, ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if got := state.balance(t, buyer, testReceiveMint); got.Sign() != 0 {
		t.Fatalf("buyer paid on failed settle: %s", got)
	}
	if got := state.balance(t, seller, testReceiveMint); got.Int64() != 250 {
		t.Fatalf("seller receive balance disturbed: %s", got)
	}
	if got := state.custodyOf(t, esc.Address, testDepositMint); got.Int64() != 100 {
		t.Fatalf("deposit custody disturbed: %s", got)
	}
}

func TestInitializeInstantFailureReturnsRecordDeposit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 99)
	if _, err := engine.InitializeInstant(buyer, seller, "swap-1", testDepositMint, testReceiveMint, big.NewInt(100), big.NewInt(250), "", testNow+600); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if len(state.escrows) != 0 {
		t.Fatalf("record survives failed instant creation")
	}
	if got := state.balance(t, buyer, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("record deposit not returned: %s", got)
	}
	if got := state.balance(t, buyer, testDepositMint); got.Int64() != 99 {
		t.Fatalf("deposit balance disturbed: %s", got)
	}
}

func TestCloseInstantActiveRefundsDeposit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit)
	state.fund(buyer, testDepositMint, 100)
	esc, err := engine.InitializeInstant(buyer, seller, "swap-1", testDepositMint, testReceiveMint, big.NewInt(100), big.NewInt(250), "", testNow+600)
	if err != nil {
		t.Fatalf("initialize instant: %v", err)
	}
	if err := engine.Close(esc.Address, buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := state.balance(t, buyer, testDepositMint); got.Int64() != 100 {
		t.Fatalf("deposit not returned: %s", got)
	}
	if got := state.balance(t, buyer, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("record deposit not returned: %s", got)
	}
}

func TestCloseRejectsStrandedReceiveCustody(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	if err := f.state.EscrowCredit(f.addr, testReceiveMint, big.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := f.engine.Close(f.addr, f.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	if got := f.state.custodyOf(t, f.addr, testReceiveMint); got.Int64() != 5 {
		t.Fatalf("receive custody disturbed: %s", got)
	}
}

func TestRequestReleaseFlag(t *testing.T) {
	f := newFixture(t)
	f.mustAccept(t)
	f.mustFund(t)
	if err := f.engine.RequestRelease(f.addr, f.seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("request before asset sent: got %v, want ErrInvalidState", err)
	}
	f.mustSendAsset(t)
	if err := f.engine.RequestRelease(f.addr, f.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer request: got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.RequestRelease(f.addr, f.seller); err != nil {
		t.Fatalf("request: %v", err)
	}
	esc, err := f.engine.Get(f.addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !esc.RequestedRelease {
		t.Fatalf("flag not raised")
	}
	if esc.State != EscrowAssetSent {
		t.Fatalf("flag moved state: %s", esc.State)
	}
}

func TestPauseGuard(t *testing.T) {
	f := newFixture(t)
	pauses := &nativecommon.PauseSet{}
	pauses.SetPaused(moduleName, true)
	f.engine.SetPauses(pauses)
	if err := f.engine.Accept(f.addr, f.seller); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("got %v, want ErrModulePaused", err)
	}
	pauses.SetPaused(moduleName, false)
	if err := f.engine.Accept(f.addr, f.seller); err != nil {
		t.Fatalf("accept after unpause: %v", err)
	}
}

func TestUnknownEscrow(t *testing.T) {
	f := newFixture(t)
	var missing [32]byte
	missing[0] = 0xFF
	if err := f.engine.Fund(missing, f.buyer, testDepositMint); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("got %v, want ErrEscrowNotFound", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	emitter := &capturingEmitter{}
	f.engine.SetEmitter(emitter)
	f.mustAccept(t)
	f.mustFund(t)
	f.mustSendAsset(t)
	if err := f.engine.ConfirmAsset(f.addr, f.buyer, testDepositMint, testReceiveMint); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.engine.Close(f.addr, f.buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := []string{
		EventTypeEscrowAccepted,
		EventTypeEscrowFunded,
		EventTypeEscrowAssetSent,
		EventTypeEscrowReleased,
		EventTypeEscrowClosed,
	}
	got := emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNativeLegLifecycle(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, NativeAsset, testRecordDeposit+400)
	state.fund(seller, testReceiveMint, 30)
	esc, err := engine.Initialize(buyer, seller, "native-deal", NativeAsset, testReceiveMint, big.NewInt(400), big.NewInt(30), "", testNow+600)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.Accept(esc.Address, seller); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := engine.Fund(esc.Address, buyer, NativeAsset); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := state.balance(t, buyer, NativeAsset); got.Sign() != 0 {
		t.Fatalf("buyer native balance = %s, want 0", got)
	}
	if err := engine.SendAsset(esc.Address, seller, testReceiveMint); err != nil {
		t.Fatalf("send asset: %v", err)
	}
	if err := engine.ConfirmAsset(esc.Address, buyer, NativeAsset, testReceiveMint); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := state.balance(t, seller, NativeAsset); got.Int64() != 400 {
		t.Fatalf("seller native payout = %s, want 400", got)
	}
	if err := engine.Close(esc.Address, buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := state.balance(t, buyer, NativeAsset); got.Int64() != testRecordDeposit {
		t.Fatalf("buyer native after close = %s, want %d", got, testRecordDeposit)
	}
}
