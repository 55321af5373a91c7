package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/settlement"
)

// MarketSource is the read side of the store the archiver needs.
type MarketSource interface {
	Get(ctx context.Context, id string) (domain.Market, error)
	Load(ctx context.Context, marketID string, afterSeq uint64) ([]domain.Event, error)
}

// ArchiveImpl implements domain.Archiver. For a settled market it writes the
// event log as JSONL and the payout statement as JSON under
// {prefix}/{market id}/. The statement is written last and its presence
// marks the market as archived.
//
// Nothing is deleted from the primary store.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	source MarketSource
	audit  domain.AuditStore
	prefix string
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	source MarketSource,
	audit domain.AuditStore,
	prefix string,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		prefix: prefix,
	}
}

// EventsPath is the key of a market's archived event log.
func (a *ArchiveImpl) EventsPath(marketID string) string {
	return path.Join(a.prefix, marketID, "events.jsonl")
}

// StatementPath is the key of a market's archived payout statement.
func (a *ArchiveImpl) StatementPath(marketID string) string {
	return path.Join(a.prefix, marketID, "statement.json")
}

// ArchiveMarket uploads a settled market. It returns false without error if
// the market is already archived, and domain.ErrInvalidState if it is not
// settled yet.
func (a *ArchiveImpl) ArchiveMarket(ctx context.Context, marketID string) (bool, error) {
	statementPath := a.StatementPath(marketID)
	done, err := a.reader.Exists(ctx, statementPath)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if done {
		return false, nil
	}

	m, err := a.source.Get(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if !m.Status.Settled() {
		return false, fmt.Errorf("s3blob: archive %s: market is %s: %w", marketID, m.Status, domain.ErrInvalidState)
	}
	events, err := a.source.Load(ctx, marketID, 0)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	machine, err := settlement.Restore(m, events)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: replay: %w", marketID, err)
	}

	log, err := marshalEvents(events)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	eventsPath := a.EventsPath(marketID)
	if int64(len(log)) > minPartSize {
		err = a.writer.PutMultipart(ctx, eventsPath, bytes.NewReader(log), minPartSize)
	} else {
		err = a.writer.Put(ctx, eventsPath, bytes.NewReader(log), "application/x-ndjson")
	}
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s events: %w", marketID, err)
	}

	statement, err := json.MarshalIndent(machine.Statement(), "", "  ")
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: marshal statement: %w", marketID, err)
	}
	if err := a.writer.Put(ctx, statementPath, bytes.NewReader(statement), "application/json"); err != nil {
		return false, fmt.Errorf("s3blob: archive %s statement: %w", marketID, err)
	}

	if err := a.audit.Log(ctx, "archive.market", map[string]any{
		"market_id": marketID,
		"events":    len(events),
		"path":      eventsPath,
	}); err != nil {
		return true, fmt.Errorf("s3blob: archive %s audit log: %w", marketID, err)
	}
	return true, nil
}

// marshalEvents serializes events as newline-delimited JSON in their wire
// form, one event per line.
func marshalEvents(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range events {
		line, err := domain.EncodeEvent(ev)
		if err != nil {
			return nil, fmt.Errorf("jsonl encode event %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
