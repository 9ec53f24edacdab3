package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

const jsonlContentType = "application/x-ndjson"

var terminalStatuses = []domain.TradeStatus{
	domain.TradeStatusFilled,
	domain.TradeStatusPartiallyFilled,
	domain.TradeStatusRejected,
	domain.TradeStatusFailed,
	domain.TradeStatusCancelled,
}

// ArchiverConfig controls retention and placement.
type ArchiverConfig struct {
	Retention time.Duration
	Interval  time.Duration
	Prefix    string
}

// Archiver is the agent that moves terminal trade records older than the
// retention window into JSONL objects and then deletes them from the store.
// Records are deleted only after the upload succeeded.
type Archiver struct {
	cfg     ArchiverConfig
	writer  domain.BlobWriter
	trades  domain.TradeStore
	audit   domain.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates the archiver agent. audit and m may be nil.
func NewArchiver(cfg ArchiverConfig, w domain.BlobWriter, trades domain.TradeStore, audit domain.AuditStore, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	return &Archiver{
		cfg:     cfg,
		writer:  w,
		trades:  trades,
		audit:   audit,
		metrics: m,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

func (a *Archiver) Name() string                { return "archiver" }
func (a *Archiver) Subscriptions() []string     { return nil }
func (a *Archiver) TickInterval() time.Duration { return a.cfg.Interval }

// Handle is never called; the archiver has no subscriptions.
func (a *Archiver) Handle(context.Context, bus.Message) error { return nil }

// Tick archives one retention cutoff's worth of records.
func (a *Archiver) Tick(ctx context.Context) error {
	_, err := a.Archive(ctx, a.now().UTC().Add(-a.cfg.Retention))
	return err
}

// Archive uploads every terminal record created before cutoff and then
// deletes them. It returns the number of records archived.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) (int64, error) {
	recs, err := a.trades.Query(ctx, domain.TradeFilter{Statuses: terminalStatuses, Until: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := archivePath(a.cfg.Prefix, cutoff)
	obj := domain.BlobObject{
		Key:         key,
		ContentType: jsonlContentType,
		Size:        int64(len(buf)),
		Metadata: map[string]string{
			"records": strconv.Itoa(len(recs)),
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		},
	}
	if err := a.writer.Write(ctx, obj, bytes.NewReader(buf)); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.trades.DeleteBefore(ctx, cutoff, terminalStatuses)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}

	count := int64(len(recs))
	a.metrics.Observed("archived_trade", "archiver", len(recs))
	a.logger.InfoContext(ctx, "archived trade records",
		slog.String("path", key),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trades", map[string]any{
			"path":    key,
			"count":   count,
			"deleted": deleted,
			"before":  cutoff.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return count, nil
}

// archivePath partitions objects by cutoff day, for example
// archive/trades/2026/03/14/20260314T120000Z.jsonl.
func archivePath(prefix string, cutoff time.Time) string {
	cutoff = cutoff.UTC()
	return path.Join(prefix, "trades", cutoff.Format("2006/01/02"), cutoff.Format("20060102T150405Z")+".jsonl")
}

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
