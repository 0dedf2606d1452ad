package services

import (
	"sync"
	"testing"
	"time"

	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to connect to test database")

	// Every pooled connection to :memory: would get its own empty database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.AutoMigrate(db), "Failed to migrate test database")
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(e realtime.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) of(table realtime.Table, eventType realtime.EventType) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, e := range p.events {
		if e.Table == table && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

// testClock advances one second on every reading
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *testClock) current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func newTestChatService(t *testing.T) (*ChatService, *recordingPublisher, *testClock) {
	publisher := &recordingPublisher{}
	clock := newTestClock()
	svc := NewChatService(setupTestDB(t), publisher)
	svc.now = clock.now
	return svc, publisher, clock
}
