package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// TradeArchiveSource provides the time-ranged trade access the archiver
// needs. The Postgres trade store satisfies it.
type TradeArchiveSource interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchiverParams bound one archive pass.
type ArchiverParams struct {
	// Retention is the age past which trade rows leave Postgres for S3.
	Retention time.Duration

	// PageSize caps how many rows are pulled per upload.
	PageSize int
}

// Archiver moves old trade-log rows to S3 as JSONL and deletes them from
// Postgres only after the upload succeeded. Positions and orders are never
// archived: streak, cooldown, and dedupe checks query their full history.
type Archiver struct {
	params ArchiverParams
	writer domain.BlobWriter
	trades TradeArchiveSource
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(params ArchiverParams, writer domain.BlobWriter, trades TradeArchiveSource, logger *slog.Logger) *Archiver {
	if params.PageSize <= 0 {
		params.PageSize = 50000
	}
	return &Archiver{
		params: params,
		writer: writer,
		trades: trades,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// RunPass archives and deletes trades older than the retention window,
// paging until the backlog is drained.
func (a *Archiver) RunPass(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.params.Retention)

	var total int64
	for {
		trades, full, err := a.fetchPage(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("s3blob: archive trades query: %w", err)
		}
		if len(trades) == 0 {
			break
		}

		buf, err := marshalJSONL(trades)
		if err != nil {
			return fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}

		// The page's upper bound keys the object, so reruns of the same
		// backlog overwrite rather than duplicate.
		pageCutoff := trades[len(trades)-1].At
		path := archivePath("trades", pageCutoff)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return fmt.Errorf("s3blob: archive trades upload: %w", err)
		}

		// Both store queries compare strictly, so bump past the last row's
		// timestamp (timestamptz has microsecond resolution).
		deleted, err := a.trades.DeleteBefore(ctx, pageCutoff.Add(time.Microsecond))
		if err != nil {
			return fmt.Errorf("s3blob: archive trades delete: %w", err)
		}
		total += deleted

		a.logger.InfoContext(ctx, "trade page archived",
			slog.String("path", path),
			slog.Int("rows", len(trades)),
			slog.Int64("deleted", deleted),
		)

		if !full {
			break
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archive pass complete",
			slog.Int64("archived", total),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// fetchPage reads one archive page. A full page may split a run of equal
// timestamps, and the delete below the upload is timestamp-keyed, so the
// tail run is held back for the next page. When the entire page shares one
// timestamp the limit is widened until the run fits; deleting by that
// timestamp with part of the run unarchived would lose rows.
func (a *Archiver) fetchPage(ctx context.Context, cutoff time.Time) ([]domain.Trade, bool, error) {
	limit := a.params.PageSize
	for {
		trades, err := a.trades.ListBefore(ctx, cutoff, limit)
		if err != nil {
			return nil, false, err
		}
		if len(trades) < limit {
			return trades, false, nil
		}
		if trimmed := trimEqualTail(trades); len(trimmed) > 0 {
			return trimmed, true, nil
		}
		limit *= 2
	}
}

// trimEqualTail drops trailing rows that share the final timestamp, so a
// paged read never cuts a run of equal timestamps in half. When the whole
// page shares one timestamp it returns nil.
func trimEqualTail(trades []domain.Trade) []domain.Trade {
	last := trades[len(trades)-1].At
	i := len(trades) - 1
	for i > 0 && trades[i-1].At.Equal(last) {
		i--
	}
	if i == 0 {
		return nil
	}
	return trades[:i]
}

// archivePath builds the S3 key for an archive page, partitioned by day and
// disambiguated by the page's upper timestamp bound.
//
//	archive/trades/2026-08-29/20260829T161502.jsonl
func archivePath(kind string, upper time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, upper.Format("2006-01-02"), upper.Format("20060102T150405"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
