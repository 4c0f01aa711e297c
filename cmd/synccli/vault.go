package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/migrations"
	"github.com/n1/n1sync/internal/secretstore"
	"github.com/n1/n1sync/internal/sqlite"

	"github.com/urfave/cli/v2"
)

var initCmd = &cli.Command{
	Name:      "init",
	Usage:     "init <vault.db>   – create plaintext vault file and store its key",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: init <vault.db>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}

		mk, err := crypto.Generate(32)
		if err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		if err := secretstore.Default.Put(path, mk); err != nil {
			return fmt.Errorf("failed to store master key: %w", err)
		}
		log.Info().Str("path", path).Msg("Master key generated and stored")

		db, err := sqlite.Open(path)
		if err != nil {
			_ = secretstore.Default.Delete(path)
			return fmt.Errorf("failed to create database file '%s': %w", path, err)
		}
		defer db.Close()

		if err := migrations.BootstrapVault(db); err != nil {
			_ = secretstore.Default.Delete(path)
			return fmt.Errorf("failed to initialize vault schema: %w", err)
		}
		if err := migrations.BootstrapSync(db); err != nil {
			_ = secretstore.Default.Delete(path)
			return fmt.Errorf("failed to initialize sync schema: %w", err)
		}

		secureDAO := dao.NewSecureVaultDAO(db, mk)
		if err := secureDAO.Put(canaryKey, []byte("ok")); err != nil {
			_ = secretstore.Default.Delete(path)
			return fmt.Errorf("failed to create canary record: %w", err)
		}

		log.Info().Str("path", path).Msg("Plaintext vault file initialized")
		return nil
	},
}

const canaryKey = "__n1_canary__"

var openCmd = &cli.Command{
	Name:      "open",
	Usage:     "open <vault.db>     – check key exists and DB file is accessible",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: open <vault.db>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}

		mk, err := secretstore.Default.Get(path)
		if err != nil {
			return fmt.Errorf("failed to get key from secret store (does it exist?): %w", err)
		}
		log.Info().Str("path", path).Msg("Key found in secret store")

		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database file '%s': %w", path, err)
		}
		defer db.Close()

		secureDAO := dao.NewSecureVaultDAO(db, mk)
		plaintext, err := secureDAO.Get(canaryKey)
		if err == nil && string(plaintext) == "ok" {
			log.Info().Str("path", path).Msg("Vault check complete: key verified and database accessible")
			return nil
		}
		if errors.Is(err, dao.ErrNotFound) {
			return fmt.Errorf("vault key found, but integrity check failed (canary missing): vault may be incomplete or corrupt")
		}
		if err != nil {
			if strings.Contains(err.Error(), "failed to decrypt") {
				return fmt.Errorf("vault key found, but decryption failed: key may be incorrect or data corrupted")
			}
			return fmt.Errorf("vault check failed: %w", err)
		}
		return fmt.Errorf("vault check failed: unexpected canary value")
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "put <vault.db> <key> <value>  – store an encrypted value",
	ArgsUsage: "<path> <key> <value>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.Exit("Usage: put <vault.db> <key> <value>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		key, value := c.Args().Get(1), c.Args().Get(2)

		mk, err := secretstore.Default.Get(path)
		if err != nil {
			return fmt.Errorf("failed to get key from secret store: %w", err)
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database file '%s': %w", path, err)
		}
		defer db.Close()

		vault := dao.NewSecureVaultDAO(db, mk)
		if err := vault.Put(key, []byte(value)); err != nil {
			return fmt.Errorf("failed to store value: %w", err)
		}
		log.Info().Str("key", key).Msg("Value stored successfully")
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "get <vault.db> <key>  – retrieve an encrypted value",
	ArgsUsage: "<path> <key>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("Usage: get <vault.db> <key>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		key := c.Args().Get(1)

		mk, err := secretstore.Default.Get(path)
		if err != nil {
			return fmt.Errorf("failed to get key from secret store: %w", err)
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database file '%s': %w", path, err)
		}
		defer db.Close()

		vault := dao.NewSecureVaultDAO(db, mk)
		value, err := vault.Get(key)
		if err != nil {
			if errors.Is(err, dao.ErrNotFound) {
				return fmt.Errorf("key '%s' not found", key)
			}
			return fmt.Errorf("failed to retrieve value: %w", err)
		}
		fmt.Printf("%s\n", string(value))
		return nil
	},
}

var keyCmd = &cli.Command{
	Name:  "key",
	Usage: "key <subcommand> <vault.db> – manage vault key",
	Subcommands: []*cli.Command{
		keyRotateCmd,
	},
}

var keyRotateCmd = &cli.Command{
	Name:      "rotate",
	Usage:     "rotate <vault.db>  – create new key & re-encrypt data",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "simulate rotation without making changes"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: key rotate [--dry-run] <vault.db>", 1)
		}
		path, err := filepath.Abs(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}

		oldMK, err := secretstore.Default.Get(path)
		if err != nil {
			return fmt.Errorf("failed to get current key from secret store: %w", err)
		}
		log.Info().Msg("Retrieved current master key")

		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database file '%s': %w", path, err)
		}
		defer db.Close()

		oldDAO := dao.NewSecureVaultDAO(db, oldMK)
		keys, err := oldDAO.List()
		if err != nil {
			return fmt.Errorf("failed to list vault keys: %w", err)
		}
		log.Info().Int("count", len(keys)).Msg("Found keys in vault")

		if c.Bool("dry-run") {
			for _, k := range keys {
				log.Info().Str("key", k).Msg("Would re-encrypt")
			}
			log.Info().Msg("Dry run completed successfully. No changes were made.")
			return nil
		}

		newMK, err := crypto.Generate(32)
		if err != nil {
			return fmt.Errorf("failed to generate new master key: %w", err)
		}
		log.Info().Msg("Generated new master key")

		if err := oldDAO.RotateKey(newMK); err != nil {
			return fmt.Errorf("failed to re-encrypt vault with new key: %w", err)
		}
		if err := secretstore.Default.Put(path, newMK); err != nil {
			return fmt.Errorf("failed to update master key in secret store: %w", err)
		}

		log.Info().Msg("Key rotation completed successfully")
		return nil
	},
}
