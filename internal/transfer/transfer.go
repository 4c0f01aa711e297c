// Package transfer implements the Transfer Controller: the
// starting/queuing/pushing-or-pulling/dequeuing/completed state machine that
// drives one push or pull episode to completion, grounded on morango's
// SyncClient (syncsession.py).
package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/n1/n1sync/internal/chunk"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/store"
	"github.com/n1/n1sync/internal/transport"
	"golang.org/x/sync/singleflight"
)

// sessionFlight collapses concurrent InitiatePush/InitiatePull calls against
// the same SyncSession into a single in-flight state machine run, per
// spec.md §5's single-threaded-per-SyncSession requirement.
var sessionFlight singleflight.Group

// Config governs controller-wide behavior not carried on the TransferSession
// entity itself.
type Config struct {
	// ChunkSize must be a positive multiple of 100.
	ChunkSize int
	// SerializeBeforeQueuing flushes the Store Engine's working set ahead
	// of computing client_fsic on a push. Defaults to true.
	SerializeBeforeQueuing bool
}

// Controller drives one SyncSession's transfer episodes.
type Controller struct {
	transport           *transport.Client
	auth                *transport.BasicAuth
	syncSession         *dao.SyncSession
	transferSessions    *dao.TransferSessionDAO
	buffers             *dao.BufferDAO
	maxCounterBuffers   *dao.RecordMaxCounterBufferDAO
	databaseMaxCounters *dao.DatabaseMaxCounterDAO
	store               store.Engine
	chunkSize           int
	serializeBeforeQueuing bool
	metrics             *Metrics

	current *dao.TransferSession
}

// NewController validates cfg and constructs a Controller for syncSession.
func NewController(
	transportClient *transport.Client,
	auth *transport.BasicAuth,
	syncSession *dao.SyncSession,
	transferSessions *dao.TransferSessionDAO,
	buffers *dao.BufferDAO,
	maxCounterBuffers *dao.RecordMaxCounterBufferDAO,
	databaseMaxCounters *dao.DatabaseMaxCounterDAO,
	storeEngine store.Engine,
	cfg Config,
	metrics *Metrics,
) (*Controller, error) {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize%100 != 0 {
		return nil, fmt.Errorf("%w: chunk_size must be a positive multiple of 100, got %d", ErrInvalidArgument, cfg.ChunkSize)
	}

	return &Controller{
		transport:              transportClient,
		auth:                   auth,
		syncSession:            syncSession,
		transferSessions:       transferSessions,
		buffers:                buffers,
		maxCounterBuffers:      maxCounterBuffers,
		databaseMaxCounters:    databaseMaxCounters,
		store:                  storeEngine,
		chunkSize:              cfg.ChunkSize,
		serializeBeforeQueuing: cfg.SerializeBeforeQueuing,
		metrics:                metrics,
	}, nil
}

// CurrentTransferSession returns the controller's in-progress transfer
// session, or nil if none is open.
func (c *Controller) CurrentTransferSession() *dao.TransferSession {
	return c.current
}

// InitiatePush drives a push episode for filter to completion (or to the
// point a recoverable error leaves it, for later resumption).
func (c *Controller) InitiatePush(ctx context.Context, filter string) error {
	_, err, _ := sessionFlight.Do(c.syncSession.ID, func() (interface{}, error) {
		start := time.Now()
		err := c.initiate(ctx, filter, true)
		c.metrics.observeDuration("push", time.Since(start))
		return nil, err
	})
	return err
}

// InitiatePull drives a pull episode for filter to completion.
func (c *Controller) InitiatePull(ctx context.Context, filter string) error {
	_, err, _ := sessionFlight.Do(c.syncSession.ID, func() (interface{}, error) {
		start := time.Now()
		err := c.initiate(ctx, filter, false)
		c.metrics.observeDuration("pull", time.Since(start))
		return nil, err
	})
	return err
}

func (c *Controller) initiate(ctx context.Context, filter string, push bool) error {
	if err := c.starting(ctx, filter, push); err != nil {
		return err
	}

	if c.current.TransferStage == dao.StageQueuing {
		logDirection(push, "preparing records for transfer")
		if err := c.queuing(ctx, filter, push); err != nil {
			return err
		}
	}

	if recordsTotal(c.current) == 0 {
		return c.closeTransferSession(ctx)
	}

	if push {
		if c.current.TransferStage == dao.StagePushing {
			log.Info().Str("transfer_session_id", c.current.ID).Int64("records_total", recordsTotal(c.current)).Msg("transfer: pushing records to peer")
			if err := c.pushing(ctx); err != nil {
				return err
			}
		}
		if c.current.TransferStage == dao.StageDequeuing {
			return c.dequeuingPush(ctx)
		}
		return nil
	}

	if c.current.TransferStage == dao.StagePulling {
		log.Info().Str("transfer_session_id", c.current.ID).Int64("records_total", recordsTotal(c.current)).Msg("transfer: pulling records from peer")
		if err := c.pulling(ctx); err != nil {
			return err
		}
	}
	if c.current.TransferStage == dao.StageDequeuing {
		if err := c.store.DequeueIntoStore(c.current.ID); err != nil {
			return fmt.Errorf("failed to dequeue pulled records into store: %w", err)
		}
	}

	if err := c.databaseMaxCounters.UpdateFSICs(filter, c.current.ServerFSIC); err != nil {
		return fmt.Errorf("failed to update database max counters: %w", err)
	}

	log.Info().Str("transfer_session_id", c.current.ID).Msg("transfer: closing session")
	return c.closeTransferSession(ctx)
}

func logDirection(push bool, msg string) {
	if push {
		log.Info().Msg("transfer: " + msg + " (push)")
	} else {
		log.Info().Msg("transfer: " + msg + " (pull)")
	}
}

func recordsTotal(ts *dao.TransferSession) int64 {
	if ts == nil || !ts.RecordsTotal.Valid {
		return -1
	}
	return ts.RecordsTotal.Int64
}

// starting implements §4.C STARTING: resume an existing active episode, or
// begin a new one.
func (c *Controller) starting(ctx context.Context, filter string, push bool) error {
	existing, err := c.transferSessions.FindActive(c.syncSession.ID, filter, push)
	if err == nil {
		c.current = existing
		return c.purgeOtherActiveEpisodes(existing.ID)
	}
	if !errors.Is(err, dao.ErrNotFound) {
		return fmt.Errorf("failed to look up active transfer session: %w", err)
	}

	clientFSIC, err := c.generateClientFSIC(c.syncSession.Profile, filter, push)
	if err != nil {
		return err
	}

	transferID := uuid.New().String()
	now := time.Now().UTC()

	if push {
		return c.startPush(ctx, transferID, filter, clientFSIC, now)
	}
	return c.startPull(transferID, filter, clientFSIC, now)
}

// purgeOtherActiveEpisodes deactivates every other active TransferSession on
// this SyncSession and purges its buffered rows, per STARTING's resume path:
// an abandoned episode must not contaminate the one being resumed.
func (c *Controller) purgeOtherActiveEpisodes(keepID string) error {
	others, err := c.transferSessions.ListActive(c.syncSession.ID)
	if err != nil {
		return fmt.Errorf("failed to list active transfer sessions: %w", err)
	}
	for _, o := range others {
		if o.ID == keepID {
			continue
		}
		if err := c.buffers.DeleteByTransferSession(o.ID); err != nil {
			return err
		}
		if err := c.maxCounterBuffers.DeleteByTransferSession(o.ID); err != nil {
			return err
		}
		if err := c.transferSessions.Deactivate(o.ID); err != nil {
			return err
		}
	}
	return nil
}

// startPush creates the local TransferSession up front, inactive, so the
// error path below never dereferences a session that doesn't exist yet —
// the chosen resolution to spec.md §9's first Open Question. It is only
// flipped active once the server confirms creation.
func (c *Controller) startPush(ctx context.Context, transferID, filter, clientFSIC string, now time.Time) error {
	local := &dao.TransferSession{
		ID:                    transferID,
		SyncSessionID:         c.syncSession.ID,
		Push:                  true,
		Filter:                filter,
		LastActivityTimestamp: now,
		Active:                false,
		ClientFSIC:            clientFSIC,
		TransferStage:         dao.StageQueuing,
	}
	if err := c.transferSessions.Insert(local); err != nil {
		return fmt.Errorf("failed to create local transfer session: %w", err)
	}
	c.current = local

	resp, err := c.transport.Do(ctx, transport.Request{
		Endpoint: "/transfersessions",
		Method:   "POST",
		Body: transferSessionRequest{
			ID:            transferID,
			Filter:        filter,
			Push:          true,
			SyncSessionID: c.syncSession.ID,
			ClientFSIC:    clientFSIC,
		},
		Auth: c.auth,
	})
	if err != nil {
		if markErr := c.transferSessions.MarkInactive(transferID); markErr != nil {
			log.Warn().Err(markErr).Str("transfer_session_id", transferID).Msg("transfer: failed to mark abandoned push session inactive")
		}
		return err
	}

	var tsResp transferSessionResponse
	if err := resp.Unmarshal(&tsResp); err != nil {
		return err
	}
	serverFSIC := tsResp.ServerFSIC
	if serverFSIC == "" {
		serverFSIC = "{}"
	}

	if err := c.transferSessions.SetServerFSIC(transferID, serverFSIC); err != nil {
		return err
	}
	if err := c.transferSessions.Activate(transferID); err != nil {
		return err
	}

	refreshed, err := c.transferSessions.Get(transferID)
	if err != nil {
		return err
	}
	c.current = refreshed
	return nil
}

// startPull creates the local TransferSession immediately, active, in
// QUEUING — the server-side creation (and its queuing side effect) happens
// in the QUEUING stage, not here.
func (c *Controller) startPull(transferID, filter, clientFSIC string, now time.Time) error {
	local := &dao.TransferSession{
		ID:                    transferID,
		SyncSessionID:         c.syncSession.ID,
		Push:                  false,
		Filter:                filter,
		LastActivityTimestamp: now,
		Active:                true,
		ClientFSIC:            clientFSIC,
		TransferStage:         dao.StageQueuing,
	}
	if err := c.transferSessions.Insert(local); err != nil {
		return fmt.Errorf("failed to create local transfer session: %w", err)
	}
	c.current = local
	return nil
}

// generateClientFSIC mirrors _generate_transfer_session_data: on a push,
// optionally flush the store first, then snapshot the local max counters.
func (c *Controller) generateClientFSIC(profile, filter string, push bool) (string, error) {
	if push && c.serializeBeforeQueuing {
		if err := c.store.SerializeIntoStore(profile, filter); err != nil {
			return "", fmt.Errorf("failed to serialize store ahead of queuing: %w", err)
		}
	}
	fsic, err := c.store.CalculateFilterMaxCounters(filter)
	if err != nil {
		return "", fmt.Errorf("failed to calculate client fsic: %w", err)
	}
	return fsic, nil
}

// queuing implements §4.C QUEUING.
func (c *Controller) queuing(ctx context.Context, filter string, push bool) error {
	if push {
		if err := c.store.QueueIntoBuffer(c.current.ID, filter); err != nil {
			return fmt.Errorf("failed to queue records into buffer: %w", err)
		}
		count, err := c.buffers.Count(c.current.ID)
		if err != nil {
			return err
		}
		if err := c.transferSessions.SetRecordsTotal(c.current.ID, count); err != nil {
			return err
		}
		if err := c.transferSessions.SetStage(c.current.ID, dao.StagePushing, time.Now().UTC()); err != nil {
			return err
		}
		c.current.RecordsTotal = sql.NullInt64{Int64: count, Valid: true}
		c.current.TransferStage = dao.StagePushing
		return nil
	}

	resp, err := c.transport.Do(ctx, transport.Request{
		Endpoint: "/transfersessions",
		Method:   "POST",
		Body: transferSessionRequest{
			ID:            c.current.ID,
			Filter:        filter,
			Push:          false,
			SyncSessionID: c.syncSession.ID,
			ClientFSIC:    c.current.ClientFSIC,
		},
		Auth: c.auth,
	})
	if err != nil {
		if markErr := c.transferSessions.MarkInactive(c.current.ID); markErr != nil {
			log.Warn().Err(markErr).Str("transfer_session_id", c.current.ID).Msg("transfer: failed to deactivate pull session after queuing failure")
		}
		c.current.Active = false
		return err
	}

	var tsResp transferSessionResponse
	if err := resp.Unmarshal(&tsResp); err != nil {
		return err
	}
	serverFSIC := tsResp.ServerFSIC
	if serverFSIC == "" {
		serverFSIC = "{}"
	}

	if err := c.transferSessions.SetServerFSIC(c.current.ID, serverFSIC); err != nil {
		return err
	}
	if err := c.transferSessions.SetRecordsTotal(c.current.ID, tsResp.RecordsTotal); err != nil {
		return err
	}
	if err := c.transferSessions.SetStage(c.current.ID, dao.StagePulling, time.Now().UTC()); err != nil {
		return err
	}
	c.current.ServerFSIC = serverFSIC
	c.current.RecordsTotal = sql.NullInt64{Int64: tsResp.RecordsTotal, Valid: true}
	c.current.TransferStage = dao.StagePulling
	return nil
}

// pushing implements §4.C PUSHING.
func (c *Controller) pushing(ctx context.Context) error {
	if _, err := c.transport.Do(ctx, transport.Request{
		Endpoint: "/transfersessions/",
		Method:   "PATCH",
		Lookup:   c.current.ID,
		Body:     recordsTotalPatch{RecordsTotal: recordsTotal(c.current)},
		Auth:     c.auth,
	}); err != nil {
		if closeErr := c.closeTransferSession(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Str("transfer_session_id", c.current.ID).Msg("transfer: failed to close transfer session after records_total patch failure")
		}
		return err
	}

	if err := chunk.Push(ctx, c.transport, c.auth, c.buffers, c.transferSessions, c.current, c.chunkSize, c.metrics); err != nil {
		if closeErr := c.closeTransferSession(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Str("transfer_session_id", c.current.ID).Msg("transfer: failed to close transfer session after push chunk failure")
		}
		return err
	}

	if err := c.buffers.DeleteByTransferSession(c.current.ID); err != nil {
		return err
	}
	if err := c.maxCounterBuffers.DeleteByTransferSession(c.current.ID); err != nil {
		return err
	}
	if err := c.transferSessions.SetStage(c.current.ID, dao.StageDequeuing, time.Now().UTC()); err != nil {
		return err
	}
	c.current.TransferStage = dao.StageDequeuing
	return nil
}

// pulling implements §4.C PULLING.
func (c *Controller) pulling(ctx context.Context) error {
	if err := chunk.Pull(ctx, c.transport, c.auth, c.buffers, c.transferSessions, c.current, c.chunkSize, c.metrics); err != nil {
		if closeErr := c.closeTransferSession(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Str("transfer_session_id", c.current.ID).Msg("transfer: failed to close transfer session after pull chunk failure")
		}
		return err
	}

	if err := c.transferSessions.SetStage(c.current.ID, dao.StageDequeuing, time.Now().UTC()); err != nil {
		return err
	}
	c.current.TransferStage = dao.StageDequeuing
	return nil
}

// dequeuingPush implements §4.C DEQUEUING for the push direction: the
// server's DELETE handler performs the authoritative dequeue, so the client
// side is just close-transfer-session.
func (c *Controller) dequeuingPush(ctx context.Context) error {
	return c.closeTransferSession(ctx)
}

// closeTransferSession implements §4.C close-transfer-session.
func (c *Controller) closeTransferSession(ctx context.Context) error {
	if c.current == nil {
		return nil
	}
	id := c.current.ID

	if _, err := c.transport.Do(ctx, transport.Request{
		Endpoint: "/transfersessions/",
		Method:   "DELETE",
		Lookup:   id,
		Auth:     c.auth,
	}); err != nil {
		if markErr := c.transferSessions.MarkInactive(id); markErr != nil {
			log.Warn().Err(markErr).Str("transfer_session_id", id).Msg("transfer: failed to deactivate transfer session after close failure")
		}
		c.current = nil
		return err
	}

	if err := c.transferSessions.Deactivate(id); err != nil {
		return err
	}
	c.current = nil
	return nil
}

// CloseSyncSession implements §4.C close_sync_session: refuses while a
// transfer session is open, otherwise closes the SyncSession with the peer
// and marks it inactive locally.
func (c *Controller) CloseSyncSession(ctx context.Context, syncSessions *dao.SyncSessionDAO) error {
	if c.current != nil {
		return ErrTransferSessionOpen
	}

	if _, err := c.transport.Do(ctx, transport.Request{
		Endpoint: "/syncsessions/",
		Method:   "DELETE",
		Lookup:   c.syncSession.ID,
		Auth:     c.auth,
	}); err != nil {
		return err
	}

	return syncSessions.Deactivate(c.syncSession.ID)
}
