package escrow

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	if err := ValidateID(""); !errors.Is(err, ErrIDTooShort) {
		t.Fatalf("empty id: got %v, want ErrIDTooShort", err)
	}
	if err := ValidateID(strings.Repeat("a", MaxIDLength+1)); !errors.Is(err, ErrIDTooLong) {
		t.Fatalf("long id: got %v, want ErrIDTooLong", err)
	}
	if err := ValidateID(strings.Repeat("a", MaxIDLength)); err != nil {
		t.Fatalf("max-length id rejected: %v", err)
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	a, err := DeriveAddress("deal-1", buyer, seller)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveAddress("deal-1", buyer, seller)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("same inputs produced different addresses")
	}
}

func TestDeriveAddressBindsAllInputs(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	other := newTestAddress(0x03)
	base, err := DeriveAddress("deal-1", buyer, seller)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	variants := [][32]byte{}
	if v, err := DeriveAddress("deal-2", buyer, seller); err != nil {
		t.Fatalf("derive: %v", err)
	} else {
		variants = append(variants, v)
	}
	if v, err := DeriveAddress("deal-1", other, seller); err != nil {
		t.Fatalf("derive: %v", err)
	} else {
		variants = append(variants, v)
	}
	if v, err := DeriveAddress("deal-1", buyer, other); err != nil {
		t.Fatalf("derive: %v", err)
	} else {
		variants = append(variants, v)
	}
	if v, err := DeriveAddress("deal-1", seller, buyer); err != nil {
		t.Fatalf("derive: %v", err)
	} else {
		variants = append(variants, v)
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base address", i)
		}
	}
}

func TestVaultAddressesPerMint(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	addr, err := DeriveAddress("deal-1", buyer, seller)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	native := DeriveVaultAddress(addr)
	token := DeriveTokenVaultAddress(addr, testDepositMint)
	other := DeriveTokenVaultAddress(addr, testReceiveMint)
	if native == token || native == other || token == other {
		t.Fatalf("vault addresses collide: %x %x %x", native, token, other)
	}
	if vaultFor(addr, NativeAsset) != native {
		t.Fatalf("vaultFor native mismatch")
	}
	if vaultFor(addr, testDepositMint) != token {
		t.Fatalf("vaultFor token mismatch")
	}
}
