package types

import "math/big"

// Account captures the ledger state tracked for a single address: a replay
// nonce and the native-currency balance. Token balances are keyed by mint in
// the state manager rather than stored inline, since any 32-byte mint may be
// in play.
type Account struct {
	Nonce         uint64   `json:"nonce"`
	BalanceNative *big.Int `json:"balanceNative"`
}
