package datastore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/observability/metrics"
)

// fakeClock advances one second per call so inserts get distinct timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store := &SQLiteStore{
		DataStore: newDataStore(BackendSQLite, nil),
		Path:      filepath.Join(t.TempDir(), "db", "inspection.db"),
	}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(vendor, lot, part, result string, confidence float64) *InspectionRecord {
	url := "http://localhost:8000/uploads/" + part + ".jpg"
	return &InspectionRecord{
		Vendor:     vendor,
		LotID:      lot,
		PartNumber: part,
		Result:     result,
		Confidence: confidence,
		Operator:   "jdoe",
		ImageURL:   &url,
	}
}

func TestSQLiteOpen_MigrationFailureClosesDB(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inspection.db")

	// a view under the table name makes CREATE TABLE fail
	prep, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, prep.Exec("CREATE VIEW inspection_records AS SELECT 1 AS id").Error)
	prepDB, err := prep.DB()
	require.NoError(t, err)
	require.NoError(t, prepDB.Close())

	store := &SQLiteStore{DataStore: newDataStore(BackendSQLite, nil), Path: path}
	err = store.Open()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	assert.Nil(t, store.DB)
	assert.NoFileExists(t, path+"-wal", "the last connection is closed, so SQLite removed its WAL")
	require.NoError(t, store.Close())
}

func TestNew_SelectsBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend string
		want    any
	}{
		{"sqlite", &SQLiteStore{}},
		{"", &SQLiteStore{}},
		{"mysql", &MySQLStore{}},
		{"supabase", &SupabaseStore{}},
	}

	for _, tt := range tests {
		settings := &conf.Settings{}
		settings.Storage.Records.Backend = tt.backend
		settings.Storage.Supabase.URL = "https://abc.supabase.co"
		settings.Storage.Supabase.Key = "k"

		store, err := New(settings)
		require.NoError(t, err, tt.backend)
		assert.IsType(t, tt.want, store, tt.backend)
	}

	settings := &conf.Settings{}
	settings.Storage.Records.Backend = "postgres"
	_, err := New(settings)
	require.Error(t, err)
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	first := sampleRecord("Acme", "L1", "P-100", ResultPass, 0.91)
	first.ID = 999 // caller supplied ids are ignored
	id1, err := store.Insert(ctx, first)
	require.NoError(t, err)

	id2, err := store.Insert(ctx, sampleRecord("Acme", "L1", "P-101", ResultFail, 0.42))
	require.NoError(t, err)

	assert.Positive(t, id1)
	assert.Greater(t, id2, id1, "ids are monotonic")
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 1, 0, time.UTC), first.CreatedAt)

	got, err := store.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "P-100", got.PartNumber)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)
	require.NotNil(t, got.ImageURL)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt))
}

func TestInsertNullImageURL(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)

	rec := sampleRecord("Acme", "L1", "P-1", ResultFail, 0)
	rec.ImageURL = nil
	id, err := store.Insert(context.Background(), rec)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.ImageURL)
}

func TestListAllNewestFirst(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	for _, part := range []string{"T1", "T2", "T3"} {
		_, err := store.Insert(ctx, sampleRecord("Acme", "L1", part, ResultPass, 0.9))
		require.NoError(t, err)
	}

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"T3", "T2", "T1"},
		[]string{records[0].PartNumber, records[1].PartNumber, records[2].PartNumber})
}

func TestListAllTiesBrokenByID(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	for _, part := range []string{"A", "B", "C"} {
		_, err := store.Insert(ctx, sampleRecord("Acme", "L1", part, ResultPass, 0.9))
		require.NoError(t, err)
	}

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "C", records[0].PartNumber)
	assert.Equal(t, "A", records[2].PartNumber)
}

func TestListAllEmpty(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)

	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, records, "empty list encodes as [] not null")
	assert.Empty(t, records)
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	inputs := []*InspectionRecord{
		sampleRecord("Acme", "LOT-7", "BRD-1", ResultPass, 0.9),
		sampleRecord("Globex", "LOT-8", "BRD-2", ResultFail, 0.3),
		sampleRecord("Initech", "LOT-7", "CAP_9", ResultFail, 0.2),
		sampleRecord("acme west", "LOT-9", "RES-1", ResultOverridden, 0.5),
	}
	for _, rec := range inputs {
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)
	}

	parts := func(records []InspectionRecord) []string {
		out := make([]string, 0, len(records))
		for _, r := range records {
			out = append(out, r.PartNumber)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by result", Filter{Result: ResultFail}, []string{"CAP_9", "BRD-2"}},
		{"vendor case insensitive", Filter{Query: "ACME"}, []string{"RES-1", "BRD-1"}},
		{"lot id", Filter{Query: "lot-7"}, []string{"CAP_9", "BRD-1"}},
		{"result and query", Filter{Result: ResultFail, Query: "lot-7"}, []string{"CAP_9"}},
		{"underscore is literal", Filter{Query: "p_9"}, []string{"CAP_9"}},
		{"percent is literal", Filter{Query: "%"}, []string{}},
		{"limit", Filter{Limit: 2}, []string{"RES-1", "CAP_9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, parts(records))
		})
	}
}

func TestUpdateResult(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	orig := sampleRecord("Acme", "L1", "P-1", ResultFail, 0.33)
	id, err := store.Insert(ctx, orig)
	require.NoError(t, err)

	updated, err := store.UpdateResult(ctx, id, ResultOverridden)
	require.NoError(t, err)
	assert.Equal(t, ResultOverridden, updated.Result)
	assert.InDelta(t, 0.33, updated.Confidence, 1e-9, "confidence is never touched")
	assert.True(t, updated.CreatedAt.Equal(orig.CreatedAt), "created_at is never touched")

	// same value again still succeeds
	_, err = store.UpdateResult(ctx, id, ResultOverridden)
	require.NoError(t, err)
}

func TestUpdateResultUnknownID(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, sampleRecord("Acme", "L1", "P-1", ResultPass, 0.9))
	require.NoError(t, err)

	_, err = store.UpdateResult(ctx, 4242, ResultFail)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.True(t, errors.IsNotFound(err))

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1, "no record is created")
}

func TestUpdateResultRejectsUnknownValue(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)

	id, err := store.Insert(context.Background(), sampleRecord("Acme", "L1", "P-1", ResultPass, 0.9))
	require.NoError(t, err)

	_, err = store.UpdateResult(context.Background(), id, "maybe")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestGetUnknownID(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)

	_, err := store.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	store := newTestSQLite(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleRecord("Acme", "L1", "P-1", ResultFail, 0.5))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		result := ResultPass
		if i%2 == 0 {
			result = ResultOverridden
		}
		wg.Go(func() {
			_, err := store.UpdateResult(ctx, id, result)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []string{ResultPass, ResultOverridden}, got.Result)
}

func TestOperationsBeforeOpen(t *testing.T) {
	t.Parallel()
	store := &SQLiteStore{DataStore: newDataStore(BackendSQLite, nil)}

	_, err := store.ListAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	require.NoError(t, store.Close())
}

// countingRecorder counts operations per op/status.
type countingRecorder struct {
	mu     sync.Mutex
	ops    map[string]int
	errors map[string]int
}

func (r *countingRecorder) RecordOperation(op, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op+"/"+status]++
}

func (r *countingRecorder) RecordDuration(string, float64) {}

func (r *countingRecorder) RecordError(op, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[fmt.Sprintf("%s/%s", op, errorType)]++
}

func TestRecorderReceivesOperations(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{ops: map[string]int{}, errors: map[string]int{}}
	store := newTestSQLite(t)
	store.recorder = rec
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleRecord("Acme", "L1", "P-1", ResultPass, 0.9))
	require.NoError(t, err)
	_, err = store.ListAll(ctx)
	require.NoError(t, err)
	_, err = store.UpdateResult(ctx, id+100, ResultFail)
	require.Error(t, err)

	assert.Equal(t, 1, rec.ops[metrics.OpInsert+"/"+metrics.StatusSuccess])
	assert.Equal(t, 1, rec.ops[metrics.OpList+"/"+metrics.StatusSuccess])
	assert.Equal(t, 1, rec.errors[metrics.OpUpdate+"/not_found"])
}
