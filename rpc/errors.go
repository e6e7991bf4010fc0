package rpc

import (
	"errors"
	"net/http"

	nativecommon "dealvault/native/common"
	"dealvault/native/escrow"
)

// Escrow failures map to stable codes so clients can branch without string
// matching.
const (
	codeEscrowNotFound      = -32040
	codeEscrowInvalidState  = -32041
	codeEscrowUnauthorized  = -32042
	codeEscrowExpired       = -32043
	codeEscrowInvalidMint   = -32044
	codeEscrowInvalidParty  = -32045
	codeEscrowInvalidAmount = -32046
	codeEscrowInsufficient  = -32047
	codeEscrowInvalidID     = -32048
	codeEscrowInvalidExpiry = -32049
	codeEscrowInvalidDesc   = -32050
	codeEscrowDuplicate     = -32051
	codeEscrowVaultShort    = -32052
	codeModulePaused        = -32053
)

var escrowErrorCodes = []struct {
	err    error
	code   int
	status int
}{
	{escrow.ErrEscrowNotFound, codeEscrowNotFound, http.StatusNotFound},
	{escrow.ErrInvalidState, codeEscrowInvalidState, http.StatusConflict},
	{escrow.ErrUnauthorized, codeEscrowUnauthorized, http.StatusForbidden},
	{escrow.ErrExpired, codeEscrowExpired, http.StatusConflict},
	{escrow.ErrInvalidMint, codeEscrowInvalidMint, http.StatusBadRequest},
	{escrow.ErrSamePartyNotAllowed, codeEscrowInvalidParty, http.StatusBadRequest},
	{escrow.ErrSameAssetNotAllowed, codeEscrowInvalidParty, http.StatusBadRequest},
	{escrow.ErrAmountTooLow, codeEscrowInvalidAmount, http.StatusBadRequest},
	{escrow.ErrOverflow, codeEscrowInvalidAmount, http.StatusBadRequest},
	{escrow.ErrInsufficientBalance, codeEscrowInsufficient, http.StatusConflict},
	{escrow.ErrIDTooShort, codeEscrowInvalidID, http.StatusBadRequest},
	{escrow.ErrIDTooLong, codeEscrowInvalidID, http.StatusBadRequest},
	{escrow.ErrInvalidExpiry, codeEscrowInvalidExpiry, http.StatusBadRequest},
	{escrow.ErrDescriptionTooLong, codeEscrowInvalidDesc, http.StatusBadRequest},
	{escrow.ErrAlreadyInitialized, codeEscrowDuplicate, http.StatusConflict},
	{escrow.ErrVaultUnderfunded, codeEscrowVaultShort, http.StatusConflict},
	{nativecommon.ErrModulePaused, codeModulePaused, http.StatusServiceUnavailable},
}

// writeEscrowError translates engine failures into JSON-RPC error objects.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	for _, entry := range escrowErrorCodes {
		if errors.Is(err, entry.err) {
			writeError(w, entry.status, id, entry.code, err.Error(), nil)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
}
