package notifications

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// steppingClock advances one second per call so created_at ordering is deterministic.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type staticMembers map[string][]string

func (m staticMembers) MemberIDs(_ context.Context, projectID string) ([]string, error) {
	return m[projectID], nil
}

type failingMembers struct {
	err error
}

func (m failingMembers) MemberIDs(context.Context, string) ([]string, error) {
	return nil, m.err
}

type countPush struct {
	ProjectID string
	UserID    string
	Count     int64
}

type recordingPusher struct {
	mu            sync.Mutex
	notifications []Notification
	counts        []countPush
}

func (p *recordingPusher) PushToUser(_ string, notification Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification)
}

func (p *recordingPusher) PushCountUpdate(projectID, userID string, count int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = append(p.counts, countPush{ProjectID: projectID, UserID: userID, Count: count})
}

type staticNames map[string]string

func (n staticNames) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := n[userID]
	if !ok {
		return "", errors.New("unknown user")
	}
	return name, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notifications.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      newSteppingClock().Now,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func mustCreate(t *testing.T, store *Store, params CreateParams) Notification {
	t.Helper()
	notification, err := store.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return notification
}

func rawUnreadCount(t *testing.T, db *gorm.DB, userID, projectID string) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND project_id = ? AND is_read = ?",
		userID, projectID, false,
	).Scan(&count).Error; err != nil {
		t.Fatalf("raw count failed: %v", err)
	}
	return count
}
