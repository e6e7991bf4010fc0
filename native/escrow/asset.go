package escrow

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AssetRef identifies one leg's asset: the zero value is the native-currency
// sentinel, any other value is a fungible-token mint. The transition engine
// treats both polymorphically; only the custody layer selects the transfer
// implementation based on Native().
type AssetRef [32]byte

// NativeAsset is the sentinel reference for the chain's native currency.
var NativeAsset = AssetRef{}

// Native reports whether the reference denotes the native currency.
func (a AssetRef) Native() bool {
	return a == AssetRef{}
}

// String renders the reference for logs and event payloads.
func (a AssetRef) String() string {
	if a.Native() {
		return "native"
	}
	return hex.EncodeToString(a[:])
}

// ParseAssetRef decodes the wire form produced by String: the literal
// "native" or 64 hex characters naming a mint.
func ParseAssetRef(s string) (AssetRef, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" || trimmed == "native" {
		return NativeAsset, nil
	}
	trimmed = strings.TrimPrefix(trimmed, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return AssetRef{}, fmt.Errorf("escrow: invalid mint reference: %w", err)
	}
	if len(raw) != 32 {
		return AssetRef{}, fmt.Errorf("escrow: mint reference must be 32 bytes, got %d", len(raw))
	}
	var out AssetRef
	copy(out[:], raw)
	return out, nil
}
