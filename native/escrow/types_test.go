package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func TestEscrowCloneIsDeep(t *testing.T) {
	esc := &Escrow{
		EscrowID:      "deal-1",
		Buyer:         newTestAddress(0x01),
		Seller:        newTestAddress(0x02),
		DepositMint:   testDepositMint,
		ReceiveMint:   testReceiveMint,
		DepositAmount: big.NewInt(10),
		ReceiveAmount: big.NewInt(20),
		State:         EscrowPending,
		CreatedAt:     testNow,
		Expiry:        testNow + 60,
	}
	clone := esc.Clone()
	clone.DepositAmount.SetInt64(99)
	clone.State = EscrowReleased
	if esc.DepositAmount.Int64() != 10 {
		t.Fatalf("clone shares amount storage")
	}
	if esc.State != EscrowPending {
		t.Fatalf("clone shares state")
	}
}

func TestSanitizeEscrowRejectsBadRecords(t *testing.T) {
	base := func() *Escrow {
		return &Escrow{
			EscrowID:      "deal-1",
			Buyer:         newTestAddress(0x01),
			Seller:        newTestAddress(0x02),
			DepositMint:   testDepositMint,
			ReceiveMint:   testReceiveMint,
			DepositAmount: big.NewInt(10),
			ReceiveAmount: big.NewInt(20),
			State:         EscrowPending,
			CreatedAt:     testNow,
			Expiry:        testNow + 60,
		}
	}
	esc := base()
	esc.Seller = esc.Buyer
	if _, err := SanitizeEscrow(esc); !errors.Is(err, ErrSamePartyNotAllowed) {
		t.Fatalf("same party: %v", err)
	}
	esc = base()
	esc.ReceiveMint = esc.DepositMint
	if _, err := SanitizeEscrow(esc); !errors.Is(err, ErrSameAssetNotAllowed) {
		t.Fatalf("same asset: %v", err)
	}
	esc = base()
	esc.DepositAmount = nil
	if _, err := SanitizeEscrow(esc); !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("nil amount: %v", err)
	}
	esc = base()
	esc.State = EscrowState(42)
	if _, err := SanitizeEscrow(esc); err == nil {
		t.Fatalf("invalid state accepted")
	}
}

func TestStateStrings(t *testing.T) {
	want := map[EscrowState]string{
		EscrowPending:   "pending",
		EscrowActive:    "active",
		EscrowFunded:    "funded",
		EscrowAssetSent: "asset_sent",
		EscrowReleased:  "released",
		EscrowClosed:    "closed",
	}
	for state, name := range want {
		if got := state.String(); got != name {
			t.Fatalf("%d.String() = %q, want %q", state, got, name)
		}
		if !state.Valid() {
			t.Fatalf("%s not valid", name)
		}
	}
	if EscrowState(42).Valid() {
		t.Fatalf("out-of-range state valid")
	}
}
