package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"dealvault/cmd/internal/passphrase"
	"dealvault/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("DEALVAULT_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		path := "wallet.keystore"
		if len(args) > 1 {
			path = args[1]
		}
		generateKey(path)
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1], args[2:])
	case "mint":
		if len(args) < 4 {
			fmt.Println("Usage: mint <address> <mint> <amount>")
			return
		}
		mintFunds(args[1], args[2], args[3])
	case "escrow":
		os.Exit(runEscrowCommand(args[1:], os.Stdout, os.Stderr))
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(path string) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating key: %v\n", err)
		os.Exit(1)
	}

	pass, err := passphrase.NewSource("DEALVAULT_KEYSTORE_PASSPHRASE").Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save keystore %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("Generated new key and saved encrypted keystore to %s\n", path)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store the keystore and passphrase securely. They cannot be recovered.")
}

func getBalance(addr string, mints []string) {
	params := map[string]interface{}{"address": addr}
	if len(mints) > 0 {
		params["mints"] = mints
	}
	result, rpcErr, err := callRPC("bank_balance", params, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching balance: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}

	var decoded struct {
		Address  string `json:"address"`
		Nonce    uint64 `json:"nonce"`
		Balances []struct {
			Mint    string `json:"mint"`
			Balance string `json:"balance"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding balance response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("State for: %s\n", decoded.Address)
	for _, entry := range decoded.Balances {
		fmt.Printf("  %s: %s\n", entry.Mint, entry.Balance)
	}
	fmt.Printf("  Nonce: %d\n", decoded.Nonce)
}

func mintFunds(addr, mint, amount string) {
	params := map[string]interface{}{
		"address": addr,
		"mint":    mint,
		"amount":  amount,
	}
	result, rpcErr, err := callRPC("bank_mint", params, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error minting funds: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}
	writeRPCResult(os.Stdout, result)
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires DEALVAULT_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: dealvault-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Mutating commands authenticate against the node with DEALVAULT_RPC_TOKEN.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [path]               - Generates a new key in an encrypted keystore (default wallet.keystore)")
	fmt.Println("  balance <address> [mint ...]      - Shows balances for an address (native plus any listed mints)")
	fmt.Println("  mint <address> <mint> <amount>    - Credits funds on a dev node with the faucet enabled")
	fmt.Println("  escrow                            - Escrow lifecycle subcommands")
}
