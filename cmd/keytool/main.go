package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/logger"
	"github.com/stemsi/exstem-agent/internal/vault"
	"golang.org/x/term"
)

// keytool initializes or inspects the sealed device key. The device
// secret is prompted interactively so it never lands in shell history;
// DEVICE_SECRET from the environment is used when set (headless
// provisioning).
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	secret := cfg.DeviceSecret
	if secret == "" {
		fmt.Print("Device secret: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read device secret")
		}
		secret = string(raw)
	}
	if secret == "" {
		log.Fatal().Msg("Device secret must not be empty")
	}

	keys, err := vault.NewFileKeyStore(cfg.KeyFilePath, []byte(secret), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key store")
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "init":
		if err := keys.EnsureKey(ctx); err != nil {
			log.Fatal().Err(err).Msg("Key generation failed")
		}
		fmt.Printf("Device key ready at %s\n", cfg.KeyFilePath)
	case "check":
		key, err := keys.Key(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Key check failed")
		}
		fmt.Printf("Device key OK (version %d, %d-bit)\n", key.Version, len(key.Material)*8)
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: keytool <init|check>")
	fmt.Println("  init   generate the device key if absent")
	fmt.Println("  check  verify the key file unseals with the device secret")
}
