package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability/metrics"
)

const (
	orderNewestFirst = "created_at DESC, id DESC"
	likeEscape       = "!"
	slowQuery        = 200 * time.Millisecond
)

// DataStore implements the record operations shared by the GORM backends.
type DataStore struct {
	DB *gorm.DB

	backend  string
	recorder metrics.Recorder
	now      func() time.Time
}

func newDataStore(backend string, rec metrics.Recorder) DataStore {
	if rec == nil {
		rec = metrics.NoOpRecorder{}
	}
	return DataStore{backend: backend, recorder: rec, now: time.Now}
}

// Backend returns the backend name.
func (ds *DataStore) Backend() string { return ds.backend }

func (ds *DataStore) gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(GetLogger().Module(ds.backend), slowQuery),
		NowFunc: func() time.Time {
			return ds.now().UTC()
		},
	}
}

func (ds *DataStore) migrate() error {
	if err := ds.DB.AutoMigrate(&InspectionRecord{}); err != nil {
		return dbError(fmt.Errorf("failed to auto-migrate %s database: %w", ds.backend, err), ds.backend, "migrate")
	}
	return nil
}

// attach adopts db and migrates it. A failed migration closes db again.
func (ds *DataStore) attach(db *gorm.DB) error {
	ds.DB = db
	if err := ds.migrate(); err != nil {
		_ = ds.closeDB()
		ds.DB = nil
		return err
	}
	return nil
}

func (ds *DataStore) closeDB() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(fmt.Errorf("failed to close %s database: %w", ds.backend, err), ds.backend, "close")
	}
	return nil
}

// observe reports one operation and returns err unchanged.
func (ds *DataStore) observe(op string, start time.Time, err error) error {
	return observe(ds.recorder, op, start, err)
}

func observe(rec metrics.Recorder, op string, start time.Time, err error) error {
	rec.RecordDuration(op, time.Since(start).Seconds())
	switch {
	case err == nil:
		rec.RecordOperation(op, metrics.StatusSuccess)
	case errors.Is(err, ErrRecordNotFound):
		rec.RecordOperation(op, metrics.StatusError)
		rec.RecordError(op, "not_found")
	default:
		rec.RecordOperation(op, metrics.StatusError)
		rec.RecordError(op, "database")
	}
	return err
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return dbError(fmt.Errorf("database connection is not initialized"), ds.backend, "connect")
	}
	return nil
}

// Insert stores rec with CreatedAt taken from the store clock.
func (ds *DataStore) Insert(ctx context.Context, rec *InspectionRecord) (id uint, err error) {
	defer func(start time.Time) { err = ds.observe(metrics.OpInsert, start, err) }(time.Now())

	if err := ds.ready(); err != nil {
		return 0, err
	}
	rec.ID = 0
	rec.CreatedAt = ds.now().UTC()

	if err := ds.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, dbError(fmt.Errorf("insert inspection record: %w", err), ds.backend, metrics.OpInsert)
	}
	return rec.ID, nil
}

// ListAll returns every record, newest first.
func (ds *DataStore) ListAll(ctx context.Context) ([]InspectionRecord, error) {
	return ds.List(ctx, Filter{})
}

// List returns records matching f, newest first.
func (ds *DataStore) List(ctx context.Context, f Filter) (records []InspectionRecord, err error) {
	defer func(start time.Time) { err = ds.observe(metrics.OpList, start, err) }(time.Now())

	if err := ds.ready(); err != nil {
		return nil, err
	}

	q := ds.DB.WithContext(ctx).Model(&InspectionRecord{})
	if f.Result != "" {
		q = q.Where("result = ?", f.Result)
	}
	if term := strings.TrimSpace(f.Query); term != "" {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		q = q.Where(
			"LOWER(part_number) LIKE ? ESCAPE '!' OR LOWER(lot_id) LIKE ? ESCAPE '!' OR LOWER(vendor) LIKE ? ESCAPE '!'",
			pattern, pattern, pattern)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	records = []InspectionRecord{}
	if err := q.Order(orderNewestFirst).Find(&records).Error; err != nil {
		return nil, dbError(fmt.Errorf("list inspection records: %w", err), ds.backend, metrics.OpList)
	}
	return records, nil
}

// Get returns one record.
func (ds *DataStore) Get(ctx context.Context, id uint) (rec *InspectionRecord, err error) {
	defer func(start time.Time) { err = ds.observe(metrics.OpGet, start, err) }(time.Now())

	if err := ds.ready(); err != nil {
		return nil, err
	}

	var found InspectionRecord
	if err := ds.DB.WithContext(ctx).First(&found, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, dbError(fmt.Errorf("get inspection record %d: %w", id, err), ds.backend, metrics.OpGet)
	}
	return &found, nil
}

// UpdateResult replaces the result of record id inside a transaction.
func (ds *DataStore) UpdateResult(ctx context.Context, id uint, result string) (rec *InspectionRecord, err error) {
	defer func(start time.Time) { err = ds.observe(metrics.OpUpdate, start, err) }(time.Now())

	if err := ds.ready(); err != nil {
		return nil, err
	}
	if !ValidResult(result) {
		return nil, invalidResult(result)
	}

	var updated InspectionRecord
	txErr := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InspectionRecord{}).Where("id = ?", id).Update("result", result)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// MySQL reports zero affected rows when the value is unchanged
			var n int64
			if err := tx.Model(&InspectionRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrRecordNotFound
			}
		}
		return tx.First(&updated, id).Error
	})

	switch {
	case txErr == nil:
		return &updated, nil
	case errors.Is(txErr, ErrRecordNotFound):
		return nil, notFound(id)
	default:
		return nil, dbError(fmt.Errorf("update inspection record %d: %w", id, txErr), ds.backend, metrics.OpUpdate)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return r.Replace(s)
}
