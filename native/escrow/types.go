package escrow

import (
	"fmt"
	"math/big"
)

// EscrowState represents the lifecycle states of an escrow agreement.
type EscrowState uint8

const (
	EscrowPending EscrowState = iota
	EscrowActive
	EscrowFunded
	EscrowAssetSent
	EscrowReleased
	EscrowClosed
)

// MaxDescriptionLength bounds the free-text description carried by a record.
const MaxDescriptionLength = 128

// maxAmount caps leg amounts and vault balances at the 64-bit range the
// smallest-unit denomination was designed for. Accumulations beyond it are
// rejected with ErrOverflow rather than allowed to grow unchecked.
var maxAmount = new(big.Int).SetUint64(^uint64(0))

// MaxAmount returns the largest representable balance or leg amount.
func MaxAmount() *big.Int { return new(big.Int).Set(maxAmount) }

// Escrow captures the terms, runtime state and lifecycle timestamps of a
// single agreement. Terms are immutable after creation; only the transition
// engine mutates State and the request flags.
type Escrow struct {
	Address       [32]byte
	EscrowID      string
	Buyer         [20]byte
	Seller        [20]byte
	DepositMint   AssetRef
	ReceiveMint   AssetRef
	DepositAmount *big.Int
	ReceiveAmount *big.Int
	Description   string
	State         EscrowState

	// Request flags raised by unilateral refund transitions. They are an
	// audit trail for off-chain consumers; no further transition consumes
	// them.
	RequestedRelease      bool
	BuyerRefundRequested  bool
	SellerRefundRequested bool

	CreatedAt int64
	Expiry    int64
}

// LegMints returns the record's two asset legs, deposit first. Custody only
// ever exists under these mints, so cleanup and owed-funds checks iterate
// them rather than hard-coding each leg.
func (e *Escrow) LegMints() []AssetRef {
	return []AssetRef{e.DepositMint, e.ReceiveMint}
}

// Clone returns a deep copy so callers can safely mutate the result without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.DepositAmount != nil {
		clone.DepositAmount = new(big.Int).Set(e.DepositAmount)
	} else {
		clone.DepositAmount = big.NewInt(0)
	}
	if e.ReceiveAmount != nil {
		clone.ReceiveAmount = new(big.Int).Set(e.ReceiveAmount)
	} else {
		clone.ReceiveAmount = big.NewInt(0)
	}
	return &clone
}

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool {
	switch s {
	case EscrowPending, EscrowActive, EscrowFunded, EscrowAssetSent, EscrowReleased, EscrowClosed:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase state name used in events and RPC
// payloads.
func (s EscrowState) String() string {
	switch s {
	case EscrowPending:
		return "pending"
	case EscrowActive:
		return "active"
	case EscrowFunded:
		return "funded"
	case EscrowAssetSent:
		return "asset_sent"
	case EscrowReleased:
		return "released"
	case EscrowClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// checkAmount validates a leg amount: strictly positive and within the
// representable range.
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountTooLow
	}
	if amount.Cmp(maxAmount) > 0 {
		return ErrOverflow
	}
	return nil
}

// SanitizeEscrow validates and normalises the supplied definition, returning
// a cloned instance with non-nil amount fields. The original value is not
// mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	if err := ValidateID(clone.EscrowID); err != nil {
		return nil, err
	}
	if clone.Buyer == clone.Seller {
		return nil, ErrSamePartyNotAllowed
	}
	if clone.DepositMint == clone.ReceiveMint {
		return nil, ErrSameAssetNotAllowed
	}
	if err := checkAmount(clone.DepositAmount); err != nil {
		return nil, err
	}
	if err := checkAmount(clone.ReceiveAmount); err != nil {
		return nil, err
	}
	if len(clone.Description) > MaxDescriptionLength {
		return nil, ErrDescriptionTooLong
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", clone.State)
	}
	return clone, nil
}
