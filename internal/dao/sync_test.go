package dao

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSyncTestDB(t *testing.T) *sql.DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "sync_dao_test.db")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err, "opening database failed")

	require.NoError(t, migrations.BootstrapSync(db), "bootstrapping sync schema failed")

	return db
}

func TestCertificateDAOChain(t *testing.T) {
	db := setupSyncTestDB(t)
	defer db.Close()

	authority, err := cert.NewLocalAuthority("facilities", n1crypto.AlgorithmEd25519)
	require.NoError(t, err)

	leafKeys, err := n1crypto.GenerateKeyPair(n1crypto.AlgorithmEd25519)
	require.NoError(t, err)
	leaf, err := authority.Sign(cert.Request{
		Profile:   "facilities",
		PublicKey: leafKeys.PublicKey,
	})
	require.NoError(t, err)

	certDAO := NewCertificateDAO(db)
	require.NoError(t, certDAO.Put(authority.Root()))
	require.NoError(t, certDAO.Put(leaf))

	got, err := certDAO.Get(leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, leaf.ParentID, got.ParentID)

	chain, err := certDAO.Chain(leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, authority.Root().ID, chain[0].ID)
	assert.Equal(t, leaf.ID, chain[1].ID)

	_, err = certDAO.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncSessionDAOLifecycle(t *testing.T) {
	db := setupSyncTestDB(t)
	defer db.Close()

	dao := NewSyncSessionDAO(db)
	now := time.Now().UTC()

	session := &SyncSession{
		ID:                    "session-1",
		StartTimestamp:        now,
		LastActivityTimestamp: now,
		Active:                true,
		IsServer:              false,
		ClientCertificateID:   "client-cert",
		ServerCertificateID:   "server-cert",
		Profile:               "facilities",
		ConnectionKind:        "network",
		ConnectionPath:        "https://peer.example.com",
	}
	require.NoError(t, dao.Insert(session))

	found, err := dao.FindActive("client-cert", "server-cert")
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)

	require.NoError(t, dao.Deactivate(session.ID))

	_, err = dao.FindActive("client-cert", "server-cert")
	assert.ErrorIs(t, err, ErrNotFound)

	err = dao.Deactivate("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransferSessionDAOStageAndResume(t *testing.T) {
	db := setupSyncTestDB(t)
	defer db.Close()

	syncDAO := NewSyncSessionDAO(db)
	now := time.Now().UTC()
	require.NoError(t, syncDAO.Insert(&SyncSession{
		ID: "s1", StartTimestamp: now, LastActivityTimestamp: now, Active: true,
		ClientCertificateID: "c", ServerCertificateID: "s", Profile: "p",
		ConnectionKind: "network", ConnectionPath: "https://peer",
	}))

	transferDAO := NewTransferSessionDAO(db)
	require.NoError(t, transferDAO.Insert(&TransferSession{
		ID: "t1", SyncSessionID: "s1", Push: true, Filter: "f", Active: true,
		LastActivityTimestamp: now, TransferStage: StageQueuing,
		ClientFSIC: "{}", ServerFSIC: "{}",
	}))

	active, err := transferDAO.FindActive("s1", "f", true)
	require.NoError(t, err)
	assert.Equal(t, "t1", active.ID)

	require.NoError(t, transferDAO.SetRecordsTotal("t1", 1500))
	require.NoError(t, transferDAO.SetStage("t1", StagePushing, time.Now().UTC()))
	require.NoError(t, transferDAO.AdvanceRecordsTransferred("t1", 500))
	require.NoError(t, transferDAO.AdvanceRecordsTransferred("t1", 500))

	refreshed, err := transferDAO.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), refreshed.RecordsTransferred)
	assert.Equal(t, StagePushing, refreshed.TransferStage)
	assert.True(t, refreshed.RecordsTotal.Valid)
	assert.Equal(t, int64(1500), refreshed.RecordsTotal.Int64)

	// A second, abandoned episode under the same sync session.
	require.NoError(t, transferDAO.Insert(&TransferSession{
		ID: "t2", SyncSessionID: "s1", Push: false, Filter: "f2", Active: true,
		LastActivityTimestamp: now, TransferStage: StageQueuing,
		ClientFSIC: "{}", ServerFSIC: "{}",
	}))

	activeSessions, err := transferDAO.ListActive("s1")
	require.NoError(t, err)
	assert.Len(t, activeSessions, 2)
}

func TestBufferDAOPagingAndPurge(t *testing.T) {
	db := setupSyncTestDB(t)
	defer db.Close()

	bufferDAO := NewBufferDAO(db)
	for i := 0; i < 5; i++ {
		require.NoError(t, bufferDAO.Put(&Buffer{
			TransferSessionID: "t1",
			ModelUUID:         uuidFor(i),
			Serialized:        []byte(`{"n":1}`),
		}))
	}

	count, err := bufferDAO.Count("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	page, err := bufferDAO.Page("t1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	require.NoError(t, bufferDAO.DeleteByTransferSession("t1"))
	count, err = bufferDAO.Count("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDatabaseMaxCounterDAOMerge(t *testing.T) {
	db := setupSyncTestDB(t)
	defer db.Close()

	dao := NewDatabaseMaxCounterDAO(db)
	require.NoError(t, dao.UpdateFSICs("facilities", `{"inst-a":5,"inst-b":10}`))
	require.NoError(t, dao.UpdateFSICs("facilities", `{"inst-a":3,"inst-b":20}`))

	snapshot, err := dao.Snapshot("facilities")
	require.NoError(t, err)
	assert.JSONEq(t, `{"inst-a":5,"inst-b":20}`, snapshot)
}

func uuidFor(i int) string {
	return "model-" + string(rune('a'+i))
}
