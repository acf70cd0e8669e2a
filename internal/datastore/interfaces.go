// Package datastore persists inspection records in SQLite, MySQL or Supabase.
package datastore

import (
	"context"
	"fmt"
	"net/http"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability/metrics"
)

// Backend names accepted by storage.records.backend.
const (
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendSupabase = "supabase"
)

// ErrRecordNotFound is returned by Get and UpdateResult for unknown ids.
var ErrRecordNotFound = errors.NewStd("inspection record not found")

// Interface abstracts the record backends.
type Interface interface {
	Open() error
	Close() error
	Backend() string

	// Insert assigns ID and CreatedAt and returns the new id.
	Insert(ctx context.Context, rec *InspectionRecord) (uint, error)
	// ListAll returns every record, newest first (created_at desc, id desc).
	ListAll(ctx context.Context) ([]InspectionRecord, error)
	// List returns records matching f in ListAll order.
	List(ctx context.Context, f Filter) ([]InspectionRecord, error)
	Get(ctx context.Context, id uint) (*InspectionRecord, error)
	// UpdateResult atomically replaces the result of an existing record.
	// It never creates a record.
	UpdateResult(ctx context.Context, id uint, result string) (*InspectionRecord, error)
}

// Option configures a store built by New.
type Option func(*options)

type options struct {
	recorder  metrics.Recorder
	transport http.RoundTripper
}

// WithRecorder reports operations to rec.
func WithRecorder(rec metrics.Recorder) Option {
	return func(o *options) { o.recorder = rec }
}

// WithTransport overrides the HTTP transport of the Supabase backend.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New returns the backend selected by settings. The store is not opened.
func New(settings *conf.Settings, opts ...Option) (Interface, error) {
	o := options{recorder: metrics.NoOpRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}

	records := settings.Storage.Records
	switch records.Backend {
	case BackendSQLite, "":
		return &SQLiteStore{
			DataStore: newDataStore(BackendSQLite, o.recorder),
			Path:      records.SQLite.Path,
			Debug:     settings.Debug,
		}, nil
	case BackendMySQL:
		return &MySQLStore{
			DataStore: newDataStore(BackendMySQL, o.recorder),
			Settings:  records.MySQL,
			Debug:     settings.Debug,
		}, nil
	case BackendSupabase:
		sb := settings.Storage.Supabase
		return NewSupabaseStore(SupabaseConfig{
			URL:       sb.URL,
			Key:       sb.Key,
			Table:     sb.Table,
			Timeout:   sb.Timeout,
			Transport: o.transport,
		}, o.recorder)
	default:
		return nil, fmt.Errorf("unsupported record backend %q", records.Backend)
	}
}

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

func notFound(id uint) error {
	return errors.New(fmt.Errorf("record %d: %w", id, ErrRecordNotFound)).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("record_id", id).
		Build()
}

func dbError(err error, backend, op string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("backend", backend).
		Context("operation", op).
		Build()
}

func invalidResult(result string) error {
	return errors.New(fmt.Errorf("invalid result %q", result)).
		Component("datastore").
		Category(errors.CategoryValidation).
		Build()
}
