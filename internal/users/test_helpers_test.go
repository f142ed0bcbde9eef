package users

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type countingLimiter struct {
	failures  int
	successes int
	blockAt   int
	blocked   bool
}

func (l *countingLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	if l.blocked {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (l *countingLimiter) Success(context.Context, string, string) error {
	l.successes++
	l.failures = 0
	return nil
}

func (l *countingLimiter) Failure(context.Context, string, string) (bool, time.Duration, error) {
	l.failures++
	if l.blockAt > 0 && l.failures >= l.blockAt {
		l.blocked = true
		return true, time.Minute, nil
	}
	return false, 0, nil
}

type testEnv struct {
	service *Service
	db      *gorm.DB
	limiter *countingLimiter
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:notevault_users_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&User{}, &Identity{}, &BanRecord{}))

	env := &testEnv{
		db:      db,
		limiter: &countingLimiter{},
		now:     time.Unix(1700000000, 0).UTC(),
	}
	var sequence int
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return env.now },
		Limiter:  env.limiter,
		IDGenerator: func() string {
			sequence++
			return fmt.Sprintf("user-%03d", sequence)
		},
		PasswordCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	env.service = service
	return env
}

func (e *testEnv) advance(duration time.Duration) {
	e.now = e.now.Add(duration)
}

func (e *testEnv) register(t *testing.T, email string) User {
	t.Helper()
	user, err := e.service.Register(context.Background(), Registration{
		Email:    email,
		Password: "correct horse",
	})
	require.NoError(t, err)
	e.advance(time.Second)
	return user
}
