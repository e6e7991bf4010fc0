package escrow

import "errors"

// Every precondition failure surfaces one of these sentinel values so callers
// can react to the exact condition rather than a generic failure. All checks
// run before any balance movement; a failed transition leaves the record and
// its vaults untouched.
var (
	// ErrInvalidState rejects a transition whose precondition state does not
	// match the record's current state. This is what prevents double
	// execution (accept twice, fund before accept, re-confirm).
	ErrInvalidState = errors.New("escrow: invalid state for transition")

	// ErrUnauthorized rejects a caller that does not hold the role the
	// transition requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")

	// ErrExpired rejects forward transitions once the expiry timestamp has
	// been reached. Refunds and close remain available after expiry.
	ErrExpired = errors.New("escrow: expired")

	// ErrInvalidMint rejects a supplied mint reference that does not match
	// the mint recorded for that leg.
	ErrInvalidMint = errors.New("escrow: mint does not match escrow leg")

	// ErrSameAssetNotAllowed rejects creation of a swap between identical
	// assets.
	ErrSameAssetNotAllowed = errors.New("escrow: deposit and receive assets must differ")

	// ErrSamePartyNotAllowed rejects self-trades at creation.
	ErrSamePartyNotAllowed = errors.New("escrow: buyer and seller must differ")

	// ErrAmountTooLow rejects zero or negative leg amounts at creation.
	ErrAmountTooLow = errors.New("escrow: amount must be positive")

	// ErrInsufficientBalance rejects a deposit the paying party cannot cover.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")

	// ErrOverflow rejects an amount or balance accumulation beyond the
	// representable range.
	ErrOverflow = errors.New("escrow: amount overflow")

	// ErrIDTooLong and ErrIDTooShort reject escrow identifiers outside the
	// addressing subsystem's seed bounds.
	ErrIDTooLong  = errors.New("escrow: id exceeds maximum seed length")
	ErrIDTooShort = errors.New("escrow: id must not be empty")

	// ErrInvalidExpiry rejects a creation expiry at or before the creation
	// timestamp.
	ErrInvalidExpiry = errors.New("escrow: expiry must be in the future")

	// ErrDescriptionTooLong rejects an over-long free-text description.
	ErrDescriptionTooLong = errors.New("escrow: description too long")

	// ErrAlreadyInitialized rejects creation at an address already holding a
	// live record for the same (id, buyer, seller) triple.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")

	// ErrEscrowNotFound is returned when no record exists at the address.
	ErrEscrowNotFound = errors.New("escrow: not found")

	// ErrVaultUnderfunded signals a broken custody invariant: a validated
	// release found less in the vault than the transition owes. This is a
	// bug condition, never a normal user error.
	ErrVaultUnderfunded = errors.New("escrow: vault underfunded, custody invariant broken")

	errNilState = errors.New("escrow engine: state not configured")
)
