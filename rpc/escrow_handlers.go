package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"dealvault/crypto"
	"dealvault/native/escrow"
)

// escrowInitializeParams is the wire form shared by the staged and instant
// creation methods. Amounts travel as decimal strings, mints as "native" or
// 64 hex characters, party addresses in bech32.
type escrowInitializeParams struct {
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	EscrowID      string `json:"escrowId"`
	DepositMint   string `json:"depositMint"`
	ReceiveMint   string `json:"receiveMint"`
	DepositAmount string `json:"depositAmount"`
	ReceiveAmount string `json:"receiveAmount"`
	Description   string `json:"description"`
	Expiry        int64  `json:"expiry"`
}

type escrowActionParams struct {
	Address     string `json:"address"`
	Caller      string `json:"caller"`
	Mint        string `json:"mint,omitempty"`
	DepositMint string `json:"depositMint,omitempty"`
	ReceiveMint string `json:"receiveMint,omitempty"`
}

type escrowResult struct {
	Address               string `json:"address"`
	EscrowID              string `json:"escrowId"`
	Buyer                 string `json:"buyer"`
	Seller                string `json:"seller"`
	DepositMint           string `json:"depositMint"`
	ReceiveMint           string `json:"receiveMint"`
	DepositAmount         string `json:"depositAmount"`
	ReceiveAmount         string `json:"receiveAmount"`
	Description           string `json:"description,omitempty"`
	State                 string `json:"state"`
	RequestedRelease      bool   `json:"requestedRelease"`
	BuyerRefundRequested  bool   `json:"buyerRefundRequested"`
	SellerRefundRequested bool   `json:"sellerRefundRequested"`
	CreatedAt             int64  `json:"createdAt"`
	Expiry                int64  `json:"expiry"`
}

func escrowResultFrom(esc *escrow.Escrow) escrowResult {
	return escrowResult{
		Address:               hex.EncodeToString(esc.Address[:]),
		EscrowID:              esc.EscrowID,
		Buyer:                 crypto.NewAddress(crypto.DVPrefix, esc.Buyer[:]).String(),
		Seller:                crypto.NewAddress(crypto.DVPrefix, esc.Seller[:]).String(),
		DepositMint:           esc.DepositMint.String(),
		ReceiveMint:           esc.ReceiveMint.String(),
		DepositAmount:         esc.DepositAmount.String(),
		ReceiveAmount:         esc.ReceiveAmount.String(),
		Description:           esc.Description,
		State:                 esc.State.String(),
		RequestedRelease:      esc.RequestedRelease,
		BuyerRefundRequested:  esc.BuyerRefundRequested,
		SellerRefundRequested: esc.SellerRefundRequested,
		CreatedAt:             esc.CreatedAt,
		Expiry:                esc.Expiry,
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parsePartyAddress(raw string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parseEscrowAddress(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid escrow address: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("escrow address must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	return amount, nil
}

type parsedInitialize struct {
	buyer, seller                [20]byte
	depositMint, receiveMint     escrow.AssetRef
	depositAmount, receiveAmount *big.Int
}

func parseInitialize(params *escrowInitializeParams) (*parsedInitialize, error) {
	buyer, err := parsePartyAddress(params.Buyer)
	if err != nil {
		return nil, fmt.Errorf("buyer: %w", err)
	}
	seller, err := parsePartyAddress(params.Seller)
	if err != nil {
		return nil, fmt.Errorf("seller: %w", err)
	}
	depositMint, err := escrow.ParseAssetRef(params.DepositMint)
	if err != nil {
		return nil, fmt.Errorf("depositMint: %w", err)
	}
	receiveMint, err := escrow.ParseAssetRef(params.ReceiveMint)
	if err != nil {
		return nil, fmt.Errorf("receiveMint: %w", err)
	}
	depositAmount, err := parseAmount(params.DepositAmount)
	if err != nil {
		return nil, fmt.Errorf("depositAmount: %w", err)
	}
	receiveAmount, err := parseAmount(params.ReceiveAmount)
	if err != nil {
		return nil, fmt.Errorf("receiveAmount: %w", err)
	}
	return &parsedInitialize{
		buyer:         buyer,
		seller:        seller,
		depositMint:   depositMint,
		receiveMint:   receiveMint,
		depositAmount: depositAmount,
		receiveAmount: receiveAmount,
	}, nil
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runInitialize(w, req, s.node.EscrowInitialize)
}

func (s *Server) handleEscrowInitializeInstant(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runInitialize(w, req, s.node.EscrowInitializeInstant)
}

func (s *Server) runInitialize(w http.ResponseWriter, req *RPCRequest, create func([20]byte, [20]byte, string, escrow.AssetRef, escrow.AssetRef, *big.Int, *big.Int, string, int64) (*escrow.Escrow, error)) {
	var params escrowInitializeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid initialize parameters", err.Error())
		return
	}
	parsed, err := parseInitialize(&params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	esc, err := create(parsed.buyer, parsed.seller, params.EscrowID, parsed.depositMint, parsed.receiveMint, parsed.depositAmount, parsed.receiveAmount, params.Description, params.Expiry)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowResultFrom(esc))
}

// runAction parses the shared action parameters and forwards to op. Methods
// without a mint argument ignore the parsed mint.
func (s *Server) runAction(w http.ResponseWriter, req *RPCRequest, op func(addr [32]byte, caller [20]byte, params *escrowActionParams) error) {
	var params escrowActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid action parameters", err.Error())
		return
	}
	addr, err := parseEscrowAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parsePartyAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	if err := op(addr, caller, &params); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func mintArg(raw string) (escrow.AssetRef, error) {
	return escrow.ParseAssetRef(raw)
}

func (s *Server) handleEscrowAccept(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, _ *escrowActionParams) error {
		return s.node.EscrowAccept(addr, caller)
	})
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		mint, err := mintArg(params.Mint)
		if err != nil {
			return err
		}
		return s.node.EscrowFund(addr, caller, mint)
	})
}

func (s *Server) handleEscrowSendAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		mint, err := mintArg(params.Mint)
		if err != nil {
			return err
		}
		return s.node.EscrowSendAsset(addr, caller, mint)
	})
}

func (s *Server) handleEscrowConfirmAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		depositMint, err := mintArg(params.DepositMint)
		if err != nil {
			return err
		}
		receiveMint, err := mintArg(params.ReceiveMint)
		if err != nil {
			return err
		}
		return s.node.EscrowConfirmAsset(addr, caller, depositMint, receiveMint)
	})
}

func (s *Server) handleEscrowSettle(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		mint, err := mintArg(params.ReceiveMint)
		if err != nil {
			return err
		}
		return s.node.EscrowSettle(addr, caller, mint)
	})
}

func (s *Server) handleEscrowRefundBuyer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		mint, err := mintArg(params.Mint)
		if err != nil {
			return err
		}
		return s.node.EscrowRefundBuyer(addr, caller, mint)
	})
}

func (s *Server) handleEscrowRefundSeller(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, params *escrowActionParams) error {
		mint, err := mintArg(params.Mint)
		if err != nil {
			return err
		}
		return s.node.EscrowRefundSeller(addr, caller, mint)
	})
}

func (s *Server) handleEscrowRequestRelease(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, _ *escrowActionParams) error {
		return s.node.EscrowRequestRelease(addr, caller)
	})
}

func (s *Server) handleEscrowClose(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.runAction(w, req, func(addr [32]byte, caller [20]byte, _ *escrowActionParams) error {
		return s.node.EscrowClose(addr, caller)
	})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid get parameters", err.Error())
		return
	}
	addr, err := parseEscrowAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	esc, err := s.node.EscrowGet(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowResultFrom(esc))
}

func (s *Server) handleEscrowList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addrs, err := s.node.EscrowList()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]escrowResult, 0, len(addrs))
	for _, addr := range addrs {
		esc, err := s.node.EscrowGet(addr)
		if err != nil {
			continue
		}
		out = append(out, escrowResultFrom(esc))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowDeriveAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		EscrowID string `json:"escrowId"`
		Buyer    string `json:"buyer"`
		Seller   string `json:"seller"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid derive parameters", err.Error())
		return
	}
	buyer, err := parsePartyAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("buyer: %v", err), nil)
		return
	}
	seller, err := parsePartyAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("seller: %v", err), nil)
		return
	}
	addr, err := escrow.DeriveAddress(params.EscrowID, buyer, seller)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	vault := escrow.DeriveVaultAddress(addr)
	writeResult(w, req.ID, map[string]string{
		"address": hex.EncodeToString(addr[:]),
		"vault":   crypto.NewAddress(crypto.DVPrefix, vault[:]).String(),
	})
}

type eventResult struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Cursor uint64 `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid events parameters", err.Error())
			return
		}
	}
	entries := s.node.EventsSince(params.Cursor, params.Limit)
	out := make([]eventResult, 0, len(entries))
	for _, entry := range entries {
		out = append(out, eventResult{
			Sequence:   entry.Sequence,
			Timestamp:  entry.Timestamp,
			Type:       entry.Event.Type,
			Attributes: entry.Event.Attributes,
		})
	}
	writeResult(w, req.ID, map[string]interface{}{
		"events": out,
		"latest": s.node.LatestSequence(),
	})
}
