package escrow

import (
	"errors"
	"strings"
	"testing"
)

func TestAssetRefNative(t *testing.T) {
	if !NativeAsset.Native() {
		t.Fatalf("zero ref should be native")
	}
	if testDepositMint.Native() {
		t.Fatalf("token ref reported native")
	}
	if got := NativeAsset.String(); got != "native" {
		t.Fatalf("native string = %q", got)
	}
}

func TestParseAssetRef(t *testing.T) {
	for _, raw := range []string{"", "native", "NATIVE"} {
		ref, err := ParseAssetRef(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !ref.Native() {
			t.Fatalf("parse %q: not native", raw)
		}
	}
	hexed := strings.Repeat("11", 32)
	for _, raw := range []string{hexed, "0x" + hexed} {
		ref, err := ParseAssetRef(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if ref != testDepositMint {
			t.Fatalf("parse %q: wrong ref %s", raw, ref)
		}
	}
	if _, err := ParseAssetRef("zz"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := ParseAssetRef(strings.Repeat("11", 16)); err == nil {
		t.Fatalf("short hex accepted")
	}
}

func TestAssetRefRoundTrip(t *testing.T) {
	ref, err := ParseAssetRef(testReceiveMint.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref != testReceiveMint {
		t.Fatalf("round trip mismatch")
	}
}

func TestAmountBounds(t *testing.T) {
	if err := checkAmount(nil); !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("nil amount: %v", err)
	}
	if err := checkAmount(maxAmount); err != nil {
		t.Fatalf("max amount rejected: %v", err)
	}
}
