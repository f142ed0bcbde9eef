package notes

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

// testAuthor mirrors the columns of the users table that listings join against.
type testAuthor struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	DisplayName string `gorm:"column:display_name;size:320"`
}

func (testAuthor) TableName() string {
	return "users"
}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	return c.now
}

func (c *steppingClock) Advance(duration time.Duration) {
	c.now = c.now.Add(duration)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *steppingClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:notevault_notes_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Note{}, &Vote{}, &testAuthor{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, db, clock
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func seedAuthor(t *testing.T, db *gorm.DB, id, displayName string) {
	t.Helper()
	if err := db.Create(&testAuthor{ID: id, DisplayName: displayName}).Error; err != nil {
		t.Fatalf("failed to seed author: %v", err)
	}
}

func storedFile(name string) StoredFile {
	return StoredFile{
		FileName:         name,
		OriginalFilename: "lecture.pdf",
		ContentType:      "application/pdf",
		SizeBytes:        128,
	}
}
