package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"dealvault/config"
	"dealvault/core"
	"dealvault/observability/logging"
	"dealvault/rpc"
	"dealvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memory := flag.Bool("memory", false, "DEV ONLY: keep state in memory instead of on disk")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DEALVAULT_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:    "dealvaultd",
		Env:        env,
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	var db storage.Database
	if *memory {
		db = storage.NewMemDB()
		logger.Warn("using in-memory state; all data is lost on shutdown")
	} else {
		path := filepath.Join(cfg.DataDir, "state")
		leveldb, err := storage.NewLevelDB(path)
		if err != nil {
			logger.Error("failed to open database", "path", path, "error", err)
			os.Exit(1)
		}
		defer leveldb.Close()
		db = leveldb
	}

	node, err := core.NewNode(db)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}

	if deposit, ok := new(big.Int).SetString(strings.TrimSpace(cfg.RecordDeposit), 10); ok {
		node.SetRecordDeposit(deposit)
	} else if strings.TrimSpace(cfg.RecordDeposit) != "" {
		logger.Error("invalid RecordDeposit in config", "value", cfg.RecordDeposit)
		os.Exit(1)
	}
	if cfg.EscrowPaused {
		node.SetModulePaused("escrow", true)
		logger.Warn("escrow module starts paused")
	}

	logger.Info("node initialised",
		"network", cfg.NetworkName,
		"dataDir", cfg.DataDir,
		"faucet", cfg.FaucetEnabled,
	)

	server := rpc.NewServer(node, cfg.RPCToken)
	server.SetFaucetEnabled(cfg.FaucetEnabled)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", "error", err)
		os.Exit(1)
	}
}
