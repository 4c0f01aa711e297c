package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/instance"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/migrations"
	"github.com/n1/n1sync/internal/secretstore"
	"github.com/n1/n1sync/internal/session"
	"github.com/n1/n1sync/internal/sqlite"
	"github.com/n1/n1sync/internal/store"
	"github.com/n1/n1sync/internal/transfer"
	"github.com/n1/n1sync/internal/transport"

	"github.com/urfave/cli/v2"
)

// certKeyName is the secretstore key under which a certificate's private
// key is kept, custody of the private key living outside the certificates
// table per internal/session's RequestCertificate doc comment.
func certKeyName(vaultPath, certID string) string {
	return vaultPath + "#cert:" + certID
}

// wrapPrivateKey envelope-encrypts a certificate's private key under a
// subkey derived from the vault master key via HKDF, so the bytes that land
// in the OS secret store are never the bare signing key: recovering it
// requires both the OS keyring entry and the vault's master key.
func wrapPrivateKey(masterKey []byte, certID string, priv []byte) ([]byte, error) {
	subkey, err := n1crypto.DeriveHKDF(masterKey, "cert-key:"+certID, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key wrapping key: %w", err)
	}
	return n1crypto.EncryptBlob(subkey, priv)
}

// unwrapPrivateKey reverses wrapPrivateKey.
func unwrapPrivateKey(masterKey []byte, certID string, wrapped []byte) ([]byte, error) {
	subkey, err := n1crypto.DeriveHKDF(masterKey, "cert-key:"+certID, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key wrapping key: %w", err)
	}
	return n1crypto.DecryptBlob(subkey, wrapped)
}

// openVaultAndSync opens path's vault DB and master key, and constructs the
// DAOs every sync subcommand below needs.
func openVaultAndSync(path string) (db *sql.DB, masterKey []byte, err error) {
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	masterKey, err = secretstore.Default.Get(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get key from secret store: %w", err)
	}
	db, err = sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database file '%s': %w", path, err)
	}
	if err := migrations.BootstrapSync(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return db, masterKey, nil
}

var certInitCmd = &cli.Command{
	Name:      "cert-init",
	Usage:     "cert-init <vault.db> <profile> [algorithm]  – create a self-signed root certificate",
	ArgsUsage: "<path> <profile> [ed25519|secp256k1]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.Exit("Usage: cert-init <vault.db> <profile> [algorithm]", 1)
		}
		path := c.Args().First()
		profile := c.Args().Get(1)
		algorithm := n1crypto.AlgorithmEd25519
		if c.NArg() >= 3 {
			algorithm = n1crypto.Algorithm(c.Args().Get(2))
		}

		db, masterKey, err := openVaultAndSync(path)
		if err != nil {
			return err
		}
		defer db.Close()

		authority, err := cert.NewLocalAuthority(profile, algorithm)
		if err != nil {
			return fmt.Errorf("failed to create root authority: %w", err)
		}
		root := authority.Root()

		certificates := dao.NewCertificateDAO(db)
		if err := certificates.Put(root); err != nil {
			return fmt.Errorf("failed to persist root certificate: %w", err)
		}

		wrapped, err := wrapPrivateKey(masterKey, root.ID, authority.PrivateKey())
		if err != nil {
			return fmt.Errorf("failed to wrap root private key: %w", err)
		}
		absPath, _ := filepath.Abs(path)
		if err := secretstore.Default.Put(certKeyName(absPath, root.ID), wrapped); err != nil {
			return fmt.Errorf("failed to store root private key: %w", err)
		}

		log.Info().Str("certificate_id", root.ID).Str("profile", profile).Msg("synccli: root certificate created")
		fmt.Println(root.ID)
		return nil
	},
}

var requestCertCmd = &cli.Command{
	Name:      "request-cert",
	Usage:     "request-cert <vault.db> <peer-url> <parent-cert-id> <scope-definition> <scope-version>  – request a signed certificate from a peer",
	ArgsUsage: "<path> <peer-url> <parent-cert-id> <scope-definition> <scope-version>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username"},
		&cli.StringFlag{Name: "password"},
		&cli.StringFlag{Name: "algorithm", Value: string(n1crypto.AlgorithmEd25519)},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 5 {
			return cli.Exit("Usage: request-cert <vault.db> <peer-url> <parent-cert-id> <scope-definition> <scope-version>", 1)
		}
		path := c.Args().First()
		peerURL := c.Args().Get(1)
		parentID := c.Args().Get(2)
		scopeDefinition := c.Args().Get(3)
		var scopeVersion int
		if _, err := fmt.Sscanf(c.Args().Get(4), "%d", &scopeVersion); err != nil {
			return fmt.Errorf("invalid scope-version: %w", err)
		}

		db, masterKey, err := openVaultAndSync(path)
		if err != nil {
			return err
		}
		defer db.Close()

		certificates := dao.NewCertificateDAO(db)
		parent, err := certificates.Get(parentID)
		if err != nil {
			return fmt.Errorf("failed to load parent certificate %s: %w", parentID, err)
		}

		transportClient := transport.New(peerURL)
		negotiator := session.NewNegotiator(transportClient, dao.NewSyncSessionDAO(db), certificates, version)
		auth := basicAuth(c)

		issued, keypair, err := negotiator.RequestCertificate(
			c.Context, parent, scopeDefinition, scopeVersion, json.RawMessage("{}"),
			n1crypto.Algorithm(c.String("algorithm")), auth,
		)
		if err != nil {
			return fmt.Errorf("certificate request failed: %w", err)
		}

		wrapped, err := wrapPrivateKey(masterKey, issued.ID, keypair.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to wrap issued certificate's private key: %w", err)
		}
		absPath, _ := filepath.Abs(path)
		if err := secretstore.Default.Put(certKeyName(absPath, issued.ID), wrapped); err != nil {
			return fmt.Errorf("failed to store issued certificate's private key: %w", err)
		}

		log.Info().Str("certificate_id", issued.ID).Str("parent_id", parentID).Msg("synccli: certificate issued")
		fmt.Println(issued.ID)
		return nil
	},
}

var remoteCertsCmd = &cli.Command{
	Name:      "remote-certs",
	Usage:     "remote-certs <vault.db> <peer-url> <primary-partition> [scope-definition-id]  – list and persist a peer's certificates",
	ArgsUsage: "<path> <peer-url> <primary-partition> [scope-definition-id]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username"},
		&cli.StringFlag{Name: "password"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 3 {
			return cli.Exit("Usage: remote-certs <vault.db> <peer-url> <primary-partition> [scope-definition-id]", 1)
		}
		path := c.Args().First()
		peerURL := c.Args().Get(1)
		primaryPartition := c.Args().Get(2)
		scopeDefID := ""
		if c.NArg() >= 4 {
			scopeDefID = c.Args().Get(3)
		}

		db, _, err := openVaultAndSync(path)
		if err != nil {
			return err
		}
		defer db.Close()

		transportClient := transport.New(peerURL)
		negotiator := session.NewNegotiator(transportClient, dao.NewSyncSessionDAO(db), dao.NewCertificateDAO(db), version)

		certs, err := negotiator.RemoteCertificates(c.Context, primaryPartition, scopeDefID, basicAuth(c))
		if err != nil {
			return fmt.Errorf("failed to list remote certificates: %w", err)
		}
		for _, cc := range certs {
			fmt.Println(cc.ID)
		}
		return nil
	},
}

var pushCmd = &cli.Command{
	Name:      "push",
	Usage:     "push <vault.db> <peer-url> <client-cert-id> <server-cert-id> <filter>  – push records matching filter to a peer",
	ArgsUsage: "<path> <peer-url> <client-cert-id> <server-cert-id> <filter>",
	Flags:     syncFlags(),
	Action: func(c *cli.Context) error { return runTransfer(c, true) },
}

var pullCmd = &cli.Command{
	Name:      "pull",
	Usage:     "pull <vault.db> <peer-url> <client-cert-id> <server-cert-id> <filter>  – pull records matching filter from a peer",
	ArgsUsage: "<path> <peer-url> <client-cert-id> <server-cert-id> <filter>",
	Flags:     syncFlags(),
	Action: func(c *cli.Context) error { return runTransfer(c, false) },
}

func syncFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "chunk-size", Value: 500, Usage: "must be a positive multiple of 100"},
		&cli.BoolFlag{Name: "serialize-before-queuing", Value: true},
		&cli.StringFlag{Name: "username"},
		&cli.StringFlag{Name: "password"},
	}
}

func basicAuth(c *cli.Context) *transport.BasicAuth {
	if c.String("username") == "" {
		return nil
	}
	return &transport.BasicAuth{Username: c.String("username"), Password: c.String("password")}
}

func runTransfer(c *cli.Context, push bool) error {
	if c.NArg() != 5 {
		return cli.Exit(fmt.Sprintf("Usage: %s <vault.db> <peer-url> <client-cert-id> <server-cert-id> <filter>", c.Command.Name), 1)
	}
	path := c.Args().First()
	peerURL := c.Args().Get(1)
	clientCertID := c.Args().Get(2)
	serverCertID := c.Args().Get(3)
	filter := c.Args().Get(4)

	db, masterKey, err := openVaultAndSync(path)
	if err != nil {
		return err
	}
	defer db.Close()

	absPath, _ := filepath.Abs(path)
	wrappedClientKey, err := secretstore.Default.Get(certKeyName(absPath, clientCertID))
	if err != nil {
		return fmt.Errorf("failed to load private key for client certificate %s: %w", clientCertID, err)
	}
	clientKey, err := unwrapPrivateKey(masterKey, clientCertID, wrappedClientKey)
	if err != nil {
		return fmt.Errorf("failed to unwrap private key for client certificate %s: %w", clientCertID, err)
	}

	certificates := dao.NewCertificateDAO(db)
	clientCert, err := certificates.Get(clientCertID)
	if err != nil {
		return fmt.Errorf("failed to load client certificate %s: %w", clientCertID, err)
	}

	transportClient := transport.New(peerURL)
	syncSessions := dao.NewSyncSessionDAO(db)
	negotiator := session.NewNegotiator(transportClient, syncSessions, certificates, version)
	auth := basicAuth(c)
	chunkSize := c.Int("chunk-size")

	syncSession, err := negotiator.CreateSyncSession(c.Context, db, clientCert, clientKey, serverCertID, chunkSize, auth)
	if err != nil {
		return fmt.Errorf("session negotiation failed: %w", err)
	}

	localInstance, err := instance.Ensure(db, version)
	if err != nil {
		return fmt.Errorf("failed to load local instance descriptor: %w", err)
	}

	buffers := dao.NewBufferDAO(db)
	maxCounterBuffers := dao.NewRecordMaxCounterBufferDAO(db)
	databaseMaxCounters := dao.NewDatabaseMaxCounterDAO(db)
	storeEngine := store.NewLocalEngine(dao.NewSecureVaultDAO(db, masterKey), buffers, maxCounterBuffers, localInstance.ID)

	controller, err := transfer.NewController(
		transportClient, auth, syncSession,
		dao.NewTransferSessionDAO(db), buffers, maxCounterBuffers, databaseMaxCounters,
		storeEngine,
		transfer.Config{ChunkSize: chunkSize, SerializeBeforeQueuing: c.Bool("serialize-before-queuing")},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to construct transfer controller: %w", err)
	}

	if push {
		if err := controller.InitiatePush(c.Context, filter); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		log.Info().Str("filter", filter).Msg("synccli: push complete")
	} else {
		if err := controller.InitiatePull(c.Context, filter); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		log.Info().Str("filter", filter).Msg("synccli: pull complete")
	}
	return nil
}

var closeSessionCmd = &cli.Command{
	Name:      "close-session",
	Usage:     "close-session <vault.db> <peer-url> <client-cert-id> <server-cert-id>  – close an active sync session",
	ArgsUsage: "<path> <peer-url> <client-cert-id> <server-cert-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username"},
		&cli.StringFlag{Name: "password"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 4 {
			return cli.Exit("Usage: close-session <vault.db> <peer-url> <client-cert-id> <server-cert-id>", 1)
		}
		path := c.Args().First()
		peerURL := c.Args().Get(1)
		clientCertID := c.Args().Get(2)
		serverCertID := c.Args().Get(3)

		db, _, err := openVaultAndSync(path)
		if err != nil {
			return err
		}
		defer db.Close()

		certificates := dao.NewCertificateDAO(db)
		syncSessions := dao.NewSyncSessionDAO(db)

		existing, err := syncSessions.FindActive(clientCertID, serverCertID)
		if err != nil {
			return fmt.Errorf("no active sync session for this peer pair: %w", err)
		}

		transportClient := transport.New(peerURL)
		negotiator := session.NewNegotiator(transportClient, syncSessions, certificates, version)
		if err := negotiator.CloseSyncSession(c.Context, existing, basicAuth(c)); err != nil {
			return fmt.Errorf("failed to close sync session: %w", err)
		}
		log.Info().Str("sync_session_id", existing.ID).Msg("synccli: sync session closed")
		return nil
	},
}
