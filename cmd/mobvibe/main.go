package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/mobvibe/mobvibe/internal/clihost"
	"github.com/mobvibe/mobvibe/internal/config"
	"github.com/mobvibe/mobvibe/internal/crypto"
	"github.com/mobvibe/mobvibe/internal/wal"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

const compactionInterval = time.Hour

func main() {
	if err := run(); err != nil {
		logger.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1" {
		logger.SetLevel(logger.LevelDebug)
	}

	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	creds, err := config.GetOrCreateCredentials(dir)
	if err != nil {
		return err
	}
	master, err := creds.MasterSecret()
	if err != nil {
		return err
	}
	machineID, err := config.GetOrCreateMachineID(dir)
	if err != nil {
		return err
	}
	svc, err := crypto.NewService(master)
	if err != nil {
		return err
	}

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "pair":
			return pairCommand(svc, machineID)
		case "help", "--help", "-h":
			printUsage()
			return nil
		case "version", "--version", "-v":
			fmt.Println("mobvibe v1.0.0")
			return nil
		default:
			printUsage()
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	return serve(dir, creds, svc, machineID)
}

func serve(dir string, creds *config.Credentials, svc *crypto.Service, machineID string) error {
	db, err := wal.Open(filepath.Join(dir, "wal.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	store := wal.NewStore(db)
	compactor := wal.NewCompactor(store, wal.DefaultCompactorConfig())

	reply := os.Getenv("MOBVIBE_FAKE_REPLY")
	if reply == "" {
		reply = "Acknowledged."
	}
	agent := clihost.NewFakeAgent(reply)

	manager := clihost.NewManager(clihost.Config{
		MachineID: machineID,
		UserID:    os.Getenv("MOBVIBE_USER_ID"),
		BackendID: "fake",
		Agent:     agent,
		Store:     store,
		Crypto:    svc,
		Compactor: compactor,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume sessions: %w", err)
	}

	go runCompaction(ctx, compactor)
	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Event pipeline stopped: %v", err)
		}
	}()

	client := clihost.NewGatewayClient(creds.GatewayURL, manager, svc, machineID, os.Getenv("MOBVIBE_USER_ID"))
	logger.Infof("Mobvibe CLI starting, machine=%s gateway=%s", machineID, creds.GatewayURL)

	err = client.Run(ctx)
	if ctx.Err() != nil {
		logger.Infof("Shutting down")
		return nil
	}
	return err
}

func runCompaction(ctx context.Context, compactor *wal.Compactor) {
	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := compactor.CompactAll(ctx)
			if err != nil {
				logger.Warnf("Compaction pass failed: %v", err)
				continue
			}
			if stats.TotalDeleted > 0 {
				logger.Infof("Compaction deleted %d rows (%d sessions skipped)",
					stats.TotalDeleted, len(stats.Skipped))
			}
		}
	}
}

// pairPayload is what another device scans to join this machine's sessions.
type pairPayload struct {
	MachineID  string `json:"machineId"`
	ContentKey string `json:"contentKey"`
	AuthKey    string `json:"authKey"`
}

func pairCommand(svc *crypto.Service, machineID string) error {
	payload, err := json.Marshal(pairPayload{
		MachineID:  machineID,
		ContentKey: base64.StdEncoding.EncodeToString(svc.ContentPublicKey()[:]),
		AuthKey:    base64.StdEncoding.EncodeToString(svc.AuthPublicKey()),
	})
	if err != nil {
		return err
	}

	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		logger.Warnf("Failed to generate QR code: %v", err)
		fmt.Println(string(payload))
		return nil
	}

	fmt.Println("Scan this code with another device to pair:")
	fmt.Println(qr.ToSmallString(false))
	return nil
}

func printUsage() {
	fmt.Println(`Usage: mobvibe [command]

Commands:
  (none)     connect to the gateway and serve sessions
  pair       print the device pairing QR code
  version    print the version
  help       show this help`)
}
