package main

import (
	"context"
	"fmt"

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
	"github.com/prometheus/client_golang/prometheus"
)

// daemonMetrics wraps the Transfer Controller's prometheus instrumentation
// with a per-peer gauge tracking whether the last scheduled run against that
// peer succeeded, so an operator scraping /metrics can tell a stalled peer
// apart from one that's simply never been scheduled yet.
type daemonMetrics struct {
	transfer  *transfer.Metrics
	lastRunOK *prometheus.GaugeVec
}

func newDaemonMetrics(vaultPath, pidFile string, reg prometheus.Registerer) *daemonMetrics {
	lastRunOK := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "n1sync",
		Subsystem: "daemon",
		Name:      "peer_last_run_ok",
		Help:      "1 if the last scheduled sync against a peer succeeded, 0 otherwise.",
	}, []string{"peer_url", "direction"})
	reg.MustRegister(lastRunOK)
	return &daemonMetrics{
		transfer:  transfer.NewMetrics(reg),
		lastRunOK: lastRunOK,
	}
}

// certKeyName mirrors cmd/synccli's secretstore key shape for a certificate's
// private key, so a vault used interactively with synccli can be handed
// straight to syncd for unattended scheduling.
func certKeyName(vaultPath, certID string) string {
	return vaultPath + "#cert:" + certID
}

// unwrapPrivateKey reverses the HKDF-derived envelope encryption
// cmd/synccli applies to a certificate's private key before handing it to
// the OS secret store.
func unwrapPrivateKey(masterKey []byte, certID string, wrapped []byte) ([]byte, error) {
	subkey, err := n1crypto.DeriveHKDF(masterKey, "cert-key:"+certID, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key wrapping key: %w", err)
	}
	return n1crypto.DecryptBlob(subkey, wrapped)
}

// runPeerSync opens the vault fresh, negotiates (or reuses) a SyncSession
// with peer, and runs whichever of push/pull the peer config requests.
// Opening the vault per run (rather than holding one *sql.DB for the
// daemon's lifetime) keeps this path identical to cmd/synccli's, and costs
// little since go-sqlite3 connections are cheap to establish locally.
func runPeerSync(ctx context.Context, config Config, peer PeerConfig, metrics *daemonMetrics) error {
	masterKey, err := secretstore.Default.Get(config.VaultPath)
	if err != nil {
		return fmt.Errorf("failed to get master key from secret store: %w", err)
	}

	db, err := sqlite.Open(config.VaultPath)
	if err != nil {
		return fmt.Errorf("failed to open vault %s: %w", config.VaultPath, err)
	}
	defer db.Close()

	if err := migrations.BootstrapSync(db); err != nil {
		return fmt.Errorf("failed to initialize sync schema: %w", err)
	}

	wrappedClientKey, err := secretstore.Default.Get(certKeyName(config.VaultPath, peer.ClientCertID))
	if err != nil {
		return fmt.Errorf("failed to load private key for client certificate %s: %w", peer.ClientCertID, err)
	}
	clientKey, err := unwrapPrivateKey(masterKey, peer.ClientCertID, wrappedClientKey)
	if err != nil {
		return fmt.Errorf("failed to unwrap private key for client certificate %s: %w", peer.ClientCertID, err)
	}

	certificates := dao.NewCertificateDAO(db)
	clientCert, err := certificates.Get(peer.ClientCertID)
	if err != nil {
		return fmt.Errorf("failed to load client certificate %s: %w", peer.ClientCertID, err)
	}

	transportClient := transport.New(peer.URL)
	syncSessions := dao.NewSyncSessionDAO(db)
	negotiator := session.NewNegotiator(transportClient, syncSessions, certificates, version)

	var auth *transport.BasicAuth
	if peer.Username != "" {
		auth = &transport.BasicAuth{Username: peer.Username, Password: peer.Password}
	}

	chunkSize := config.ChunkSize
	syncSession, err := negotiator.CreateSyncSession(ctx, db, clientCert, clientKey, peer.ServerCertID, chunkSize, auth)
	if err != nil {
		return fmt.Errorf("session negotiation with %s failed: %w", peer.URL, err)
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
		transfer.Config{ChunkSize: chunkSize, SerializeBeforeQueuing: true},
		metrics.transfer,
	)
	if err != nil {
		return fmt.Errorf("failed to construct transfer controller for %s: %w", peer.URL, err)
	}

	if peer.Push {
		err := controller.InitiatePush(ctx, peer.Filter)
		metrics.lastRunOK.WithLabelValues(peer.URL, "push").Set(boolToFloat(err == nil))
		if err != nil {
			return fmt.Errorf("push to %s failed: %w", peer.URL, err)
		}
		log.Info().Str("peer", peer.URL).Str("filter", peer.Filter).Msg("syncd: push complete")
	}
	if peer.Pull {
		err := controller.InitiatePull(ctx, peer.Filter)
		metrics.lastRunOK.WithLabelValues(peer.URL, "pull").Set(boolToFloat(err == nil))
		if err != nil {
			return fmt.Errorf("pull from %s failed: %w", peer.URL, err)
		}
		log.Info().Str("peer", peer.URL).Str("filter", peer.Filter).Msg("syncd: pull complete")
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
