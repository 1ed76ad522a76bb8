package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// archivePageSize bounds how many records are pulled per store query.
const archivePageSize = 1000

// Archiver moves settled loans and old audit entries to cold storage as
// JSONL objects. Deletion from the primary store is intentionally not done
// here; that is a separate, explicit step after the archive is verified.
type Archiver struct {
	writer domain.BlobWriter
	loans  domain.LoanStore
	audit  domain.AuditStore
	logger *slog.Logger

	interval time.Duration
	minAge   time.Duration
}

// NewArchiver creates an Archiver that runs every interval and archives
// records older than minAge.
func NewArchiver(
	writer domain.BlobWriter,
	loans domain.LoanStore,
	audit domain.AuditStore,
	interval, minAge time.Duration,
	logger *slog.Logger,
) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	if minAge <= 0 {
		minAge = 30 * 24 * time.Hour
	}
	return &Archiver{
		writer:   writer,
		loans:    loans,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
		interval: interval,
		minAge:   minAge,
	}
}

// Run archives on a fixed cadence until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.minAge)
			if n, err := a.ArchiveSettledLoans(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archiver: loan archive failed",
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archiver: loans archived",
					slog.Int64("count", n),
				)
			}
			if n, err := a.ArchiveAudit(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archiver: audit archive failed",
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archiver: audit entries archived",
					slog.Int64("count", n),
				)
			}
		}
	}
}

// ArchiveSettledLoans uploads all loans settled before the cutoff to
// archive/loans/YYYY-MM.jsonl and records the archival in the audit log. It
// returns the number of archived records.
func (a *Archiver) ArchiveSettledLoans(ctx context.Context, before time.Time) (int64, error) {
	var all []domain.Loan
	for offset := 0; ; offset += archivePageSize {
		page, err := a.loans.ListSettledBefore(ctx, before, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive loans query: %w", err)
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loans marshal: %w", err)
	}

	path := archivePath("loans", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive loans upload: %w", err)
	}

	count := int64(len(all))
	if err := a.audit.Log(ctx, "archive.loans", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive loans audit log: %w", err)
	}
	return count, nil
}

// ArchiveAudit uploads all audit entries recorded before the cutoff to
// archive/audit/YYYY-MM.jsonl. It returns the number of archived records.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var all []domain.AuditEntry
	for offset := 0; ; offset += archivePageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
			Until:  &before,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return int64(len(all)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/loans/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
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
