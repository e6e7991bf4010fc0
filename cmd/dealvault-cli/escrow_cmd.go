package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var (
	escrowNow     = time.Now
	escrowRPCCall = callRPC
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate("escrow_initialize", args[1:], stdout, stderr)
	case "create-instant":
		return runEscrowCreate("escrow_initializeInstant", args[1:], stdout, stderr)
	case "accept":
		return runEscrowTransition("escrow_accept", args[1:], stdout, stderr)
	case "fund":
		return runEscrowLegTransition("escrow_fund", "mint", args[1:], stdout, stderr)
	case "send-asset":
		return runEscrowLegTransition("escrow_sendAsset", "mint", args[1:], stdout, stderr)
	case "confirm":
		return runEscrowConfirm(args[1:], stdout, stderr)
	case "settle":
		return runEscrowLegTransition("escrow_settle", "receiveMint", args[1:], stdout, stderr)
	case "refund-buyer":
		return runEscrowLegTransition("escrow_refundBuyer", "mint", args[1:], stdout, stderr)
	case "refund-seller":
		return runEscrowLegTransition("escrow_refundSeller", "mint", args[1:], stdout, stderr)
	case "request-release":
		return runEscrowTransition("escrow_requestRelease", args[1:], stdout, stderr)
	case "close":
		return runEscrowTransition("escrow_close", args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	case "derive-address":
		return runEscrowDeriveAddress(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowCreate(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var (
		buyer         string
		seller        string
		id            string
		depositMint   string
		receiveMint   string
		depositAmount string
		receiveAmount string
		description   string
		expiry        string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&id, "id", "", "unique escrow identifier (1-64 characters)")
	fs.StringVar(&depositMint, "deposit-mint", "", "deposit mint (\"native\" or 64 hex characters)")
	fs.StringVar(&receiveMint, "receive-mint", "", "receive mint (\"native\" or 64 hex characters)")
	fs.StringVar(&depositAmount, "deposit-amount", "", "deposit amount (supports 100e6 shorthand)")
	fs.StringVar(&receiveAmount, "receive-amount", "", "receive amount (supports 100e6 shorthand)")
	fs.StringVar(&description, "description", "", "optional free-form description")
	fs.StringVar(&expiry, "expiry", "", "expiry as +duration or RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if buyer == "" {
		return printEscrowError(stderr, "--buyer is required")
	}
	if seller == "" {
		return printEscrowError(stderr, "--seller is required")
	}
	if strings.TrimSpace(id) == "" {
		return printEscrowError(stderr, "--id is required")
	}
	normalizedDeposit, err := normalizeAmount(depositAmount, "--deposit-amount")
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	normalizedReceive, err := normalizeAmount(receiveAmount, "--receive-amount")
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if expiry == "" {
		return printEscrowError(stderr, "--expiry is required")
	}
	expiryUnix, err := parseEscrowExpiry(expiry, escrowNow())
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"buyer":         buyer,
		"seller":        seller,
		"escrowId":      id,
		"depositMint":   depositMint,
		"receiveMint":   receiveMint,
		"depositAmount": normalizedDeposit,
		"receiveAmount": normalizedReceive,
		"expiry":        expiryUnix,
	}
	if strings.TrimSpace(description) != "" {
		params["description"] = description
	}

	result, rpcErr, err := escrowRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowTransition(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var (
		address string
		caller  string
	)
	fs.StringVar(&address, "address", "", "escrow address (64 hex characters)")
	fs.StringVar(&caller, "caller", "", "actor bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateEscrowAddress(address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"address": address, "caller": caller}
	result, rpcErr, err := escrowRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// runEscrowLegTransition covers the transitions that verify a single mint.
// The mint flag is optional; an omitted value selects the native leg.
func runEscrowLegTransition(method string, mintParam string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var (
		address string
		caller  string
		mint    string
	)
	fs.StringVar(&address, "address", "", "escrow address (64 hex characters)")
	fs.StringVar(&caller, "caller", "", "actor bech32 address")
	fs.StringVar(&mint, "mint", "", "leg mint (\"native\" or 64 hex characters)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateEscrowAddress(address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"address": address, "caller": caller}
	if strings.TrimSpace(mint) != "" {
		params[mintParam] = mint
	}
	result, rpcErr, err := escrowRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowConfirm(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow confirm", stderr)
	var (
		address     string
		caller      string
		depositMint string
		receiveMint string
	)
	fs.StringVar(&address, "address", "", "escrow address (64 hex characters)")
	fs.StringVar(&caller, "caller", "", "buyer bech32 address")
	fs.StringVar(&depositMint, "deposit-mint", "", "deposit mint (\"native\" or 64 hex characters)")
	fs.StringVar(&receiveMint, "receive-mint", "", "receive mint (\"native\" or 64 hex characters)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateEscrowAddress(address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"address": address, "caller": caller}
	if strings.TrimSpace(depositMint) != "" {
		params["depositMint"] = depositMint
	}
	if strings.TrimSpace(receiveMint) != "" {
		params["receiveMint"] = receiveMint
	}
	result, rpcErr, err := escrowRPCCall("escrow_confirmAsset", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	var address string
	fs.StringVar(&address, "address", "", "escrow address (64 hex characters)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateEscrowAddress(address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"address": address}
	result, rpcErr, err := escrowRPCCall("escrow_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := escrowRPCCall("escrow_list", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow events", stderr)
	var (
		cursorStr string
		limitStr  string
	)
	fs.StringVar(&cursorStr, "cursor", "", "replay events after this sequence number")
	fs.StringVar(&limitStr, "limit", "", "maximum number of events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params := map[string]interface{}{}
	if cursorStr != "" {
		cursor, err := strconv.ParseUint(cursorStr, 10, 64)
		if err != nil {
			return printEscrowError(stderr, "--cursor must be a non-negative integer")
		}
		params["cursor"] = cursor
	}
	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return printEscrowError(stderr, "--limit must be a non-negative integer")
		}
		params["limit"] = limit
	}
	result, rpcErr, err := escrowRPCCall("escrow_events", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowDeriveAddress(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow derive-address", stderr)
	var (
		id     string
		buyer  string
		seller string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printEscrowError(stderr, "--id is required")
	}
	if buyer == "" {
		return printEscrowError(stderr, "--buyer is required")
	}
	if seller == "" {
		return printEscrowError(stderr, "--seller is required")
	}
	params := map[string]interface{}{"escrowId": id, "buyer": buyer, "seller": seller}
	result, rpcErr, err := escrowRPCCall("escrow_deriveAddress", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  dealvault-cli escrow <command> [flags]

Commands:
  create          Create a staged escrow definition
  create-instant  Create an escrow with the deposit vaulted immediately
  accept          Accept a pending escrow as the seller
  fund            Vault the buyer's deposit leg
  send-asset      Vault the seller's receive leg
  confirm         Confirm the exchange and release both legs
  settle          Settle an instant escrow in one step
  refund-buyer    Return the vaulted deposit to the buyer
  refund-seller   Return the vaulted receive leg to the seller
  request-release Flag an escrow as ready for buyer confirmation
  close           Close a finished escrow and reclaim the record deposit
  get             Fetch escrow details by address
  list            List all open escrows
  events          Fetch escrow events after a cursor
  derive-address  Derive the escrow address for an id and party pair
`)
}

func validateEscrowAddress(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--address is required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return fmt.Errorf("--address must be a 32-byte hex string")
	}
	if !isHex(cleaned) {
		return fmt.Errorf("--address must contain only hexadecimal characters")
	}
	return nil
}

func normalizeAmount(value string, flagName string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func parseEscrowExpiry(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--expiry is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		durationStr := strings.TrimSpace(trimmed[1:])
		if durationStr == "" {
			return 0, fmt.Errorf("invalid expiry duration")
		}
		dur, err := parseExpiryDuration(durationStr)
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("expiry duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 expiry")
	}
	return ts.Unix(), nil
}

func parseExpiryDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		daysStr := strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D")
		if daysStr == "" {
			return 0, fmt.Errorf("invalid expiry duration")
		}
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid expiry duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry duration")
	}
	return dur, nil
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
