package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
)

type fakeWriter struct {
	objects map[string][]byte
	meta    map[string]domain.BlobObject
	err     error
}

func (f *fakeWriter) Write(_ context.Context, obj domain.BlobObject, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
		f.meta = make(map[string]domain.BlobObject)
	}
	f.objects[obj.Key] = b
	f.meta[obj.Key] = obj
	return nil
}

func seed(t *testing.T, store *memory.TradeStore, id string, status domain.TradeStatus, created time.Time) {
	t.Helper()
	_, err := store.Insert(context.Background(), domain.TradeRecord{
		ID: id, RequestID: "req-" + id, Strategy: "sum_to_one", Status: status,
		CreatedAt: created, UpdatedAt: created,
	})
	require.NoError(t, err)
}

func TestArchiveMovesOldTerminalRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	seed(t, store, "old-filled", domain.TradeStatusFilled, now.Add(-40*24*time.Hour))
	seed(t, store, "old-failed", domain.TradeStatusFailed, now.Add(-35*24*time.Hour))
	seed(t, store, "old-submitted", domain.TradeStatusSubmitted, now.Add(-40*24*time.Hour))
	seed(t, store, "fresh", domain.TradeStatusFilled, now.Add(-time.Hour))

	w := &fakeWriter{}
	a := NewArchiver(ArchiverConfig{Retention: 30 * 24 * time.Hour, Prefix: "cold"}, w, store, audit, nil, slog.Default())
	a.now = func() time.Time { return now }

	require.NoError(t, a.Tick(ctx))

	key := "cold/trades/2026/02/12/20260212T120000Z.jsonl"
	require.Contains(t, w.objects, key)
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(w.objects[key]))
	for sc.Scan() {
		var rec domain.TradeRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.ElementsMatch(t, []string{"old-filled", "old-failed"}, ids)
	obj := w.meta[key]
	assert.Equal(t, "application/x-ndjson", obj.ContentType)
	assert.Equal(t, int64(len(w.objects[key])), obj.Size)
	assert.Equal(t, "2", obj.Metadata["records"])
	assert.Equal(t, "2026-02-12T12:00:00Z", obj.Metadata["cutoff"])

	left, err := store.Query(ctx, domain.TradeFilter{})
	require.NoError(t, err)
	var leftIDs []string
	for _, r := range left {
		leftIDs = append(leftIDs, r.ID)
	}
	assert.ElementsMatch(t, []string{"old-submitted", "fresh"}, leftIDs)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.trades", entries[0].Event)
}

func TestArchiveKeepsRecordsWhenUploadFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTradeStore()
	seed(t, store, "old", domain.TradeStatusFilled, time.Now().Add(-60*24*time.Hour))

	a := NewArchiver(ArchiverConfig{}, &fakeWriter{err: errors.New("bucket gone")}, store, nil, nil, slog.Default())
	_, err := a.Archive(ctx, time.Now())
	require.Error(t, err)

	left, err := store.Query(ctx, domain.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestArchiveNothingToDo(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(ArchiverConfig{}, w, memory.NewTradeStore(), nil, nil, slog.Default())
	n, err := a.Archive(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

func TestUseMultipart(t *testing.T) {
	assert.False(t, useMultipart(0))
	assert.False(t, useMultipart(multipartThreshold))
	assert.True(t, useMultipart(multipartThreshold+1))
	assert.True(t, useMultipart(-1))
}
