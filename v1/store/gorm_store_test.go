package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T, opts ...GormOption) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// a single connection keeps the shared in-memory database alive and
	// serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := NewGormStore(db, opts...)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s, db
}

func TestGormStore(t *testing.T) {
	s, _ := newGormStore(t)
	runStoreSuite(t, s)
}

func TestGormStoreTableName(t *testing.T) {
	_, db := newGormStore(t, WithGormTableName("custom_locks"))
	if !db.Migrator().HasTable("custom_locks") {
		t.Fatal("expected custom table to be created")
	}
}

func TestGormStoreInsertRaceIsLostNotError(t *testing.T) {
	s, db := newGormStore(t)
	ctx := context.Background()

	// a competitor inserted the row after our conditional update missed it
	now := time.Now()
	row := gormRecord{Key: "k", ExpiresAt: now.Add(time.Minute).UnixMilli(), Held: true, AttemptID: "other"}
	if err := db.Table(defaultGormTableName).Create(&row).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	dup := gormRecord{Key: "k", ExpiresAt: now.Add(time.Minute).UnixMilli(), Held: true, AttemptID: "mine"}
	err := db.Table(defaultGormTableName).Create(&dup).Error
	if err == nil {
		t.Fatal("expected primary key violation")
	}
	if !isDuplicateKey(err) {
		t.Fatalf("expected duplicate key classification, got %v", err)
	}

	ok, err := s.Upsert(ctx, Claimable(now), Record{Key: "k", ExpiresAt: now.Add(time.Minute), Held: true, AttemptID: "mine"})
	if err != nil || ok {
		t.Fatalf("expected lost claim without error, ok %v err %v", ok, err)
	}
}
