package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

var _ domain.Archiver = (*CycleArchiver)(nil)

// CycleArchiver copies a trading day's finished cycles to object storage as
// JSONL and prunes database rows older than the retention window.
type CycleArchiver struct {
	writer    domain.BlobWriter
	cycles    domain.CycleStore
	audit     domain.AuditStore
	retention time.Duration
	logger    *slog.Logger
}

// NewCycleArchiver creates an archiver. retentionDays <= 0 keeps rows
// forever; audit may be nil.
func NewCycleArchiver(writer domain.BlobWriter, cycles domain.CycleStore, audit domain.AuditStore, retentionDays int, logger *slog.Logger) *CycleArchiver {
	return &CycleArchiver{
		writer:    writer,
		cycles:    cycles,
		audit:     audit,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "cycle_archiver")),
	}
}

// ArchiveCycles uploads the cycles completed during the day starting at day
// (local midnight) to cycles/YYYY/MM/DD.jsonl and returns how many were
// written. Pruning only runs after a successful upload.
func (a *CycleArchiver) ArchiveCycles(ctx context.Context, day time.Time) (int64, error) {
	recs, err := a.cycles.ListBetween(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles query: %w", err)
	}

	path := CyclePath(day)
	count := int64(len(recs))
	if count > 0 {
		buf, err := marshalJSONL(recs)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive cycles marshal: %w", err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
			return 0, fmt.Errorf("s3blob: archive cycles upload: %w", err)
		}
		a.logger.InfoContext(ctx, "cycles archived", slog.String("path", path), slog.Int64("count", count))
	}

	var pruned int64
	if a.retention > 0 {
		cutoff := day.Add(-a.retention)
		pruned, err = a.cycles.DeleteBefore(ctx, cutoff)
		if err != nil {
			return count, fmt.Errorf("s3blob: prune cycles: %w", err)
		}
		if pruned > 0 {
			a.logger.InfoContext(ctx, "old cycles pruned", slog.Int64("count", pruned), slog.Time("before", cutoff))
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.cycles", map[string]any{
			"path":   path,
			"count":  count,
			"pruned": pruned,
			"day":    day.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive cycles audit: %w", err)
		}
	}
	return count, nil
}

// CyclePath is the object key holding one day's cycles.
//
//	cycles/2026/03/02.jsonl
func CyclePath(day time.Time) string {
	return "cycles/" + day.Format("2006/01/02") + ".jsonl"
}

// RecordingPath is the object key holding one day's recorded snapshots.
//
//	books/2026/03/02.jsonl
func RecordingPath(day time.Time) string {
	return "books/" + day.Format("2006/01/02") + ".jsonl"
}

// UploadRecording streams the local recording file to RecordingPath(day).
func UploadRecording(ctx context.Context, w domain.BlobWriter, file string, day time.Time) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("s3blob: open recording: %w", err)
	}
	defer f.Close()
	if err := w.PutMultipart(ctx, RecordingPath(day), f, 0); err != nil {
		return fmt.Errorf("s3blob: upload recording: %w", err)
	}
	return nil
}

// marshalJSONL encodes records one compact JSON object per line.
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
