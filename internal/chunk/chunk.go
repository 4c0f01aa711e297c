// Package chunk implements the Chunked Exchanger: pagination of buffered
// records across the wire in both directions, per spec.md §4.D. A push
// paginates the local buffer table and POSTs each page; a pull advances an
// offset/limit cursor against the peer's buffer listing.
package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/transport"
)

// ErrSchemaValidation is returned when a pulled chunk's records fail basic
// shape validation against the Buffer schema.
var ErrSchemaValidation = errors.New("pulled record failed buffer schema validation")

// Observer receives per-chunk progress notifications. Implementations must
// tolerate being called frequently and must not block.
type Observer interface {
	ObserveChunk(direction string, records int)
	SetRecordsTransferred(direction, transferSessionID string, n int64)
}

// wireBuffer is the wire representation of one buffered record.
type wireBuffer struct {
	ModelUUID         string          `json:"model_uuid"`
	Partition         string          `json:"partition"`
	Serialized        json.RawMessage `json:"serialized"`
	LastSavedInstance string          `json:"last_saved_instance"`
	LastSavedCounter  int64           `json:"last_saved_counter"`
}

func encodeBuffer(b *dao.Buffer) wireBuffer {
	return wireBuffer{
		ModelUUID:         b.ModelUUID,
		Partition:         b.Partition,
		Serialized:        json.RawMessage(b.Serialized),
		LastSavedInstance: b.LastSavedInstance,
		LastSavedCounter:  b.LastSavedCounter,
	}
}

func validateBuffer(w wireBuffer) error {
	if w.ModelUUID == "" {
		return fmt.Errorf("%w: missing model_uuid", ErrSchemaValidation)
	}
	if w.Partition == "" {
		return fmt.Errorf("%w: missing partition", ErrSchemaValidation)
	}
	if len(w.Serialized) == 0 {
		return fmt.Errorf("%w: missing serialized payload for %s", ErrSchemaValidation, w.ModelUUID)
	}
	return nil
}

func decodeBuffer(w wireBuffer, transferSessionID string) *dao.Buffer {
	return &dao.Buffer{
		TransferSessionID: transferSessionID,
		ModelUUID:         w.ModelUUID,
		Partition:         w.Partition,
		Serialized:        []byte(w.Serialized),
		LastSavedInstance: w.LastSavedInstance,
		LastSavedCounter:  w.LastSavedCounter,
	}
}

// pullPage is the shape of a paginated /buffers response; a bare JSON array
// is also accepted (see decodePullBody).
type pullPage struct {
	Results []wireBuffer `json:"results"`
}

func decodePullBody(body []byte) ([]wireBuffer, error) {
	var bare []wireBuffer
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var page pullPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return page.Results, nil
}

// Push paginates ts's buffered rows, ordered by primary key, and POSTs each
// page to the peer. The starting page is derived from records_transferred so
// resumption after a changed chunk_size stays idempotent.
func Push(ctx context.Context, client *transport.Client, auth *transport.BasicAuth, buffers *dao.BufferDAO, sessions *dao.TransferSessionDAO, ts *dao.TransferSession, chunkSize int, observer Observer) error {
	count, err := buffers.Count(ts.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	numPages := int(math.Ceil(float64(count) / float64(chunkSize)))
	startPage := int(math.Ceil(float64(ts.RecordsTransferred)/float64(chunkSize))) + 1

	for page := startPage; page <= numPages; page++ {
		offset := int64(page-1) * int64(chunkSize)
		rows, err := buffers.Page(ts.ID, offset, int64(chunkSize))
		if err != nil {
			return err
		}

		wire := make([]wireBuffer, len(rows))
		for i, r := range rows {
			wire[i] = encodeBuffer(r)
		}

		log.Debug().Str("transfer_session_id", ts.ID).Int("page", page).Int("records", len(rows)).Msg("chunk: pushing page")
		if _, err := client.Do(ctx, transport.Request{
			Endpoint: "/buffers",
			Method:   "POST",
			Body:     wire,
			Auth:     auth,
		}); err != nil {
			return err
		}

		if err := sessions.AdvanceRecordsTransferred(ts.ID, int64(chunkSize)); err != nil {
			return err
		}
		ts.RecordsTransferred += int64(chunkSize)
		if observer != nil {
			observer.ObserveChunk("push", len(rows))
			observer.SetRecordsTransferred("push", ts.ID, ts.RecordsTransferred)
		}
	}

	return nil
}

// Pull advances an offset/limit cursor against the peer's buffer listing
// until records_transferred reaches records_total, persisting each chunk
// into the local buffer table. The cursor advances by the full chunk_size
// even on a partial final chunk — correctness only depends on the loop
// predicate, not the cursor reflecting an exact count.
func Pull(ctx context.Context, client *transport.Client, auth *transport.BasicAuth, buffers *dao.BufferDAO, sessions *dao.TransferSessionDAO, ts *dao.TransferSession, chunkSize int, observer Observer) error {
	total := int64(0)
	if ts.RecordsTotal.Valid {
		total = ts.RecordsTotal.Int64
	}

	for ts.RecordsTransferred < total {
		log.Debug().Str("transfer_session_id", ts.ID).Int64("records_transferred", ts.RecordsTransferred).Int64("records_total", total).Msg("chunk: pulling page")

		resp, err := client.Do(ctx, transport.Request{
			Endpoint: "/buffers",
			Method:   "GET",
			Query: url.Values{
				"limit":               {strconv.Itoa(chunkSize)},
				"offset":              {strconv.FormatInt(ts.RecordsTransferred, 10)},
				"transfer_session_id": {ts.ID},
			},
			Auth: auth,
		})
		if err != nil {
			return err
		}

		wire, err := decodePullBody(resp.Body)
		if err != nil {
			return err
		}

		for _, w := range wire {
			if err := validateBuffer(w); err != nil {
				return err
			}
			if err := buffers.Put(decodeBuffer(w, ts.ID)); err != nil {
				return err
			}
		}

		if err := sessions.AdvanceRecordsTransferred(ts.ID, int64(chunkSize)); err != nil {
			return err
		}
		ts.RecordsTransferred += int64(chunkSize)
		if observer != nil {
			observer.ObserveChunk("pull", len(wire))
			observer.SetRecordsTransferred("pull", ts.ID, ts.RecordsTransferred)
		}
	}

	return nil
}
