package store

import (
	"context"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	defaultGormTableName = "lock_acquire"
	defaultGormOpTimeout = 5 * time.Second
)

// gormRecord is the row layout of a lock record. Expiry is kept as unix
// milliseconds so the comparison is portable across SQL dialects.
type gormRecord struct {
	Key       string `gorm:"primaryKey;column:key_id"`
	ExpiresAt int64  `gorm:"column:expires_at"`
	Held      bool   `gorm:"column:held"`
	AttemptID string `gorm:"column:attempt_id"`
}

// GormStore implements Store on a SQL table through GORM.
//
// A claim is a conditional UPDATE followed, when no row matched, by a plain
// INSERT. If the row exists but the condition did not hold, the INSERT hits
// the primary key and the claim is reported as lost.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// The table is created if it does not exist.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormRecord{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
	}, nil
}

// Upsert implements Store.Upsert.
func (s *GormStore) Upsert(ctx context.Context, cond Condition, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translateGormErr(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := s.db.WithContext(cctx).Table(s.tableName).Where("key_id = ?", rec.Key)
	switch cond.kind {
	case condClaimable:
		q = q.Where("(held = ? OR expires_at <= ?)", false, cond.now.UnixMilli())
	case condHeldBy:
		q = q.Where("held = ? AND attempt_id = ?", true, cond.attemptID)
	}
	res := q.Updates(map[string]any{
		"held":       rec.Held,
		"expires_at": rec.ExpiresAt.UnixMilli(),
		"attempt_id": rec.AttemptID,
	})
	if res.Error != nil {
		return false, translateGormErr(res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if !cond.AllowsInsert() {
		return false, nil
	}

	row := gormRecord{
		Key:       rec.Key,
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
		Held:      rec.Held,
		AttemptID: rec.AttemptID,
	}
	if err := s.db.WithContext(cctx).Table(s.tableName).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, translateGormErr(err)
	}
	return true, nil
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translateGormErr(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormRecord
	err := s.db.WithContext(cctx).Table(s.tableName).First(&row, "key_id = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, translateGormErr(err)
	}
	return Record{
		Key:       row.Key,
		ExpiresAt: time.UnixMilli(row.ExpiresAt),
		Held:      row.Held,
		AttemptID: row.AttemptID,
	}, true, nil
}

// isDuplicateKey reports whether err is a unique or primary key violation,
// either translated by GORM or raw from the sqlite3 driver.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func translateGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
