package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dealvault/core/types"
	"dealvault/native/escrow"
	"dealvault/storage"
)

// Manager persists accounts, token balances and escrow records in the backing
// key-value store. Keys are keccak hashes of a short prefix plus the logical
// key so record layout never leaks into the store namespace. The manager is
// not synchronized; callers serialize access.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	escrowPrefix  = []byte("escrow-record:")
	custodyPrefix = []byte("escrow-custody:")
	accountPrefix = []byte("account:")
	tokenPrefix   = []byte("token-balance:")
	escrowListKey = ethcrypto.Keccak256([]byte("escrow-index"))
)

func escrowKey(addr [32]byte) []byte {
	buf := make([]byte, len(escrowPrefix)+len(addr))
	copy(buf, escrowPrefix)
	copy(buf[len(escrowPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func custodyKey(addr [32]byte, asset escrow.AssetRef) []byte {
	buf := make([]byte, len(custodyPrefix)+len(addr)+1+len(asset))
	copy(buf, custodyPrefix)
	copy(buf[len(custodyPrefix):], addr[:])
	buf[len(custodyPrefix)+len(addr)] = ':'
	copy(buf[len(custodyPrefix)+len(addr)+1:], asset[:])
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func tokenBalanceKey(asset escrow.AssetRef, addr [20]byte) []byte {
	buf := make([]byte, len(tokenPrefix)+len(asset)+1+len(addr))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], asset[:])
	buf[len(tokenPrefix)+len(asset)] = ':'
	copy(buf[len(tokenPrefix)+len(asset)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

// storedEscrow is the RLP wire form of an escrow record. Timestamps are
// stored as uint64 because RLP has no signed integer encoding.
type storedEscrow struct {
	Address               [32]byte
	EscrowID              string
	Buyer                 [20]byte
	Seller                [20]byte
	DepositMint           [32]byte
	ReceiveMint           [32]byte
	DepositAmount         *big.Int
	ReceiveAmount         *big.Int
	Description           string
	State                 uint8
	RequestedRelease      bool
	BuyerRefundRequested  bool
	SellerRefundRequested bool
	CreatedAt             uint64
	Expiry                uint64
}

func toStored(e *escrow.Escrow) *storedEscrow {
	amount := func(v *big.Int) *big.Int {
		if v == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(v)
	}
	return &storedEscrow{
		Address:               e.Address,
		EscrowID:              e.EscrowID,
		Buyer:                 e.Buyer,
		Seller:                e.Seller,
		DepositMint:           [32]byte(e.DepositMint),
		ReceiveMint:           [32]byte(e.ReceiveMint),
		DepositAmount:         amount(e.DepositAmount),
		ReceiveAmount:         amount(e.ReceiveAmount),
		Description:           e.Description,
		State:                 uint8(e.State),
		RequestedRelease:      e.RequestedRelease,
		BuyerRefundRequested:  e.BuyerRefundRequested,
		SellerRefundRequested: e.SellerRefundRequested,
		CreatedAt:             uint64(e.CreatedAt),
		Expiry:                uint64(e.Expiry),
	}
}

func fromStored(s *storedEscrow) *escrow.Escrow {
	return &escrow.Escrow{
		Address:               s.Address,
		EscrowID:              s.EscrowID,
		Buyer:                 s.Buyer,
		Seller:                s.Seller,
		DepositMint:           escrow.AssetRef(s.DepositMint),
		ReceiveMint:           escrow.AssetRef(s.ReceiveMint),
		DepositAmount:         new(big.Int).Set(s.DepositAmount),
		ReceiveAmount:         new(big.Int).Set(s.ReceiveAmount),
		Description:           s.Description,
		State:                 escrow.EscrowState(s.State),
		RequestedRelease:      s.RequestedRelease,
		BuyerRefundRequested:  s.BuyerRefundRequested,
		SellerRefundRequested: s.SellerRefundRequested,
		CreatedAt:             int64(s.CreatedAt),
		Expiry:                int64(s.Expiry),
	}
}

// EscrowPut stores or replaces an escrow record and keeps the address index
// current.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStored(sanitized))
	if err != nil {
		return fmt.Errorf("state: encode escrow: %w", err)
	}
	if err := m.db.Put(escrowKey(sanitized.Address), encoded); err != nil {
		return fmt.Errorf("state: store escrow: %w", err)
	}
	return m.indexAdd(sanitized.Address)
}

// EscrowGet loads the escrow record stored at addr.
func (m *Manager) EscrowGet(addr [32]byte) (*escrow.Escrow, bool) {
	data, err := m.db.Get(escrowKey(addr))
	if err != nil {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStored(stored), true
}

// EscrowRemove deletes the record, its custody entries and its index slot.
func (m *Manager) EscrowRemove(addr [32]byte) error {
	if esc, ok := m.EscrowGet(addr); ok {
		for _, mint := range esc.LegMints() {
			if err := m.db.Delete(custodyKey(addr, mint)); err != nil && err != storage.ErrKeyNotFound {
				return fmt.Errorf("state: clear custody: %w", err)
			}
		}
	}
	if err := m.db.Delete(escrowKey(addr)); err != nil && err != storage.ErrKeyNotFound {
		return fmt.Errorf("state: delete escrow: %w", err)
	}
	return m.indexRemove(addr)
}

// EscrowList returns the addresses of all live escrow records.
func (m *Manager) EscrowList() ([][32]byte, error) {
	return m.loadIndex()
}

func (m *Manager) loadIndex() ([][32]byte, error) {
	data, err := m.db.Get(escrowListKey)
	if err == storage.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load escrow index: %w", err)
	}
	var raw [][]byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, fmt.Errorf("state: decode escrow index: %w", err)
	}
	out := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			continue
		}
		var addr [32]byte
		copy(addr[:], entry)
		out = append(out, addr)
	}
	return out, nil
}

func (m *Manager) writeIndex(addrs [][32]byte) error {
	raw := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		entry := make([]byte, 32)
		copy(entry, addr[:])
		raw = append(raw, entry)
	}
	encoded, err := rlp.EncodeToBytes(raw)
	if err != nil {
		return fmt.Errorf("state: encode escrow index: %w", err)
	}
	return m.db.Put(escrowListKey, encoded)
}

func (m *Manager) indexAdd(addr [32]byte) error {
	addrs, err := m.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range addrs {
		if existing == addr {
			return nil
		}
	}
	return m.writeIndex(append(addrs, addr))
}

func (m *Manager) indexRemove(addr [32]byte) error {
	addrs, err := m.loadIndex()
	if err != nil {
		return err
	}
	filtered := addrs[:0]
	for _, existing := range addrs {
		if existing != addr {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(addrs) {
		return nil
	}
	return m.writeIndex(filtered)
}

// EscrowCredit increases the custody total recorded for one escrow and asset.
func (m *Manager) EscrowCredit(addr [32]byte, asset escrow.AssetRef, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid custody credit")
	}
	current, err := m.EscrowBalance(addr, asset)
	if err != nil {
		return err
	}
	return m.writeCustody(addr, asset, current.Add(current, amt))
}

// EscrowDebit decreases the custody total recorded for one escrow and asset.
func (m *Manager) EscrowDebit(addr [32]byte, asset escrow.AssetRef, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid custody debit")
	}
	current, err := m.EscrowBalance(addr, asset)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: custody underflow for %x", addr)
	}
	return m.writeCustody(addr, asset, current.Sub(current, amt))
}

// EscrowBalance returns the custody total recorded for one escrow and asset.
func (m *Manager) EscrowBalance(addr [32]byte, asset escrow.AssetRef) (*big.Int, error) {
	data, err := m.db.Get(custodyKey(addr, asset))
	if err == storage.ErrKeyNotFound {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load custody: %w", err)
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode custody: %w", err)
	}
	return amount, nil
}

func (m *Manager) writeCustody(addr [32]byte, asset escrow.AssetRef, amount *big.Int) error {
	if amount.Sign() == 0 {
		err := m.db.Delete(custodyKey(addr, asset))
		if err == storage.ErrKeyNotFound {
			return nil
		}
		return err
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("state: encode custody: %w", err)
	}
	return m.db.Put(custodyKey(addr, asset), encoded)
}

// GetAccount loads the account stored for addr, returning a zeroed account
// when none exists.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	data, err := m.db.Get(accountKey(addr))
	if err == storage.ErrKeyNotFound {
		return &types.Account{BalanceNative: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load account: %w", err)
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if account.BalanceNative == nil {
		account.BalanceNative = big.NewInt(0)
	}
	return account, nil
}

// PutAccount stores the account for addr.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	if account.BalanceNative == nil {
		account.BalanceNative = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(accountKey(addr), encoded)
}

// BalanceOf reports an address's spendable balance in the given asset.
func (m *Manager) BalanceOf(addr [20]byte, asset escrow.AssetRef) (*big.Int, error) {
	if asset.Native() {
		account, err := m.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Set(account.BalanceNative), nil
	}
	data, err := m.db.Get(tokenBalanceKey(asset, addr))
	if err == storage.ErrKeyNotFound {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load balance: %w", err)
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode balance: %w", err)
	}
	return amount, nil
}

// SetBalanceOf replaces an address's balance in the given asset. Negative
// balances are rejected.
func (m *Manager) SetBalanceOf(addr [20]byte, asset escrow.AssetRef, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid balance")
	}
	if asset.Native() {
		account, err := m.GetAccount(addr)
		if err != nil {
			return err
		}
		account.BalanceNative = new(big.Int).Set(amount)
		return m.PutAccount(addr, account)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("state: encode balance: %w", err)
	}
	return m.db.Put(tokenBalanceKey(asset, addr), encoded)
}

// Mint credits newly issued funds to addr. Used by genesis allocation and the
// development faucet.
func (m *Manager) Mint(addr [20]byte, asset escrow.AssetRef, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	current, err := m.BalanceOf(addr, asset)
	if err != nil {
		return err
	}
	total := current.Add(current, amount)
	if total.Cmp(escrow.MaxAmount()) > 0 {
		return escrow.ErrOverflow
	}
	return m.SetBalanceOf(addr, asset, total)
}
