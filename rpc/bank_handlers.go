package rpc

import (
	"fmt"
	"net/http"

	"dealvault/native/escrow"
)

type balanceEntry struct {
	Mint    string `json:"mint"`
	Balance string `json:"balance"`
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Address string   `json:"address"`
		Mints   []string `json:"mints"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid balance parameters", err.Error())
		return
	}
	addr, err := parsePartyAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	mints := params.Mints
	if len(mints) == 0 {
		mints = []string{"native"}
	}
	out := make([]balanceEntry, 0, len(mints))
	for _, raw := range mints {
		mint, err := escrow.ParseAssetRef(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("mint %q: %v", raw, err), nil)
			return
		}
		balance, err := s.node.BalanceOf(addr, mint)
		if err != nil {
			writeEscrowError(w, req.ID, err)
			return
		}
		out = append(out, balanceEntry{Mint: mint.String(), Balance: balance.String()})
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"address":  params.Address,
		"nonce":    account.Nonce,
		"balances": out,
	})
}

func (s *Server) handleBankMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
		Mint    string `json:"mint"`
		Amount  string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid mint parameters", err.Error())
		return
	}
	addr, err := parsePartyAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	mint, err := escrow.ParseAssetRef(params.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("mint: %v", err), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Mint(addr, mint, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}
