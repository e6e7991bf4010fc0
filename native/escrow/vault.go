package escrow

import (
	"fmt"
	"math/big"
)

// Custody layer. Each escrow owns one native vault account plus one token
// vault account per mint actually in play, all derived from the record
// address. Funds only enter a vault through deposit and only leave through
// release, and every movement keeps the per-escrow custody total in step with
// the vault account balance.

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// transfer moves amount of asset between two ledger accounts. The source must
// cover the amount and the destination balance must stay representable.
func (e *Engine) transfer(from, to [20]byte, asset AssetRef, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromBal, err := e.state.BalanceOf(from, asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := e.state.BalanceOf(to, asset)
	if err != nil {
		return err
	}
	newToBal := new(big.Int).Add(toBal, amt)
	if newToBal.Cmp(maxAmount) > 0 {
		return ErrOverflow
	}
	if err := e.state.SetBalanceOf(from, asset, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.SetBalanceOf(to, asset, newToBal)
}

// checkCredit verifies that crediting amount to the account's balance would
// stay within the representable range, without moving anything.
func (e *Engine) checkCredit(to [20]byte, asset AssetRef, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	bal, err := e.state.BalanceOf(to, asset)
	if err != nil {
		return err
	}
	if new(big.Int).Add(bal, cloneBigInt(amount)).Cmp(maxAmount) > 0 {
		return ErrOverflow
	}
	return nil
}

// depositToVault debits the paying party and credits the escrow's custody
// account for the asset, recording the custody total against the record.
func (e *Engine) depositToVault(esc *Escrow, from [20]byte, asset AssetRef, amount *big.Int) error {
	if esc == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	vault := vaultFor(esc.Address, asset)
	if err := e.transfer(from, vault, asset, amount); err != nil {
		return err
	}
	return e.state.EscrowCredit(esc.Address, asset, amount)
}

// releaseFromVault pays out previously vaulted funds. A vault that cannot
// cover a validated release means a custody invariant broke upstream; the
// error is fatal to the attempt and never a normal user condition.
func (e *Engine) releaseFromVault(esc *Escrow, to [20]byte, asset AssetRef, amount *big.Int) error {
	if esc == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	vaulted, err := e.state.EscrowBalance(esc.Address, asset)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if vaulted.Cmp(amt) < 0 {
		return ErrVaultUnderfunded
	}
	vault := vaultFor(esc.Address, asset)
	if err := e.transfer(vault, to, asset, amt); err != nil {
		return err
	}
	return e.state.EscrowDebit(esc.Address, asset, amt)
}

// vaultedBalance reports the custody total currently held for the escrow
// under the given asset.
func (e *Engine) vaultedBalance(esc *Escrow, asset AssetRef) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowBalance(esc.Address, asset)
}
