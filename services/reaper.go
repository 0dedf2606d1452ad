package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/evently-studio/evently-api/models"
)

// Reaper periodically closes conversations that have been idle for longer than the timeout
type Reaper struct {
	chat        *ChatService
	cron        string
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running bool
}

// NewReaper creates a reaper that runs on the given cron schedule
func NewReaper(chat *ChatService, cron string, idleTimeout time.Duration) *Reaper {
	return &Reaper{
		chat:        chat,
		cron:        cron,
		idleTimeout: idleTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunNow performs one sweep. A sweep already in progress makes it return
// immediately with no conversations.
func (r *Reaper) RunNow(ctx context.Context) ([]models.Conversation, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		log.Println("Reaper: sweep already in progress, skipping")
		return nil, nil
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	cutoff := r.now().Add(-r.idleTimeout)
	closed, err := r.chat.CloseIdle(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	conversationsReaped.Add(float64(len(closed)))
	if len(closed) > 0 {
		log.Printf("Reaper closed %d idle conversations", len(closed))
	}
	return closed, nil
}

// Start runs the reaper on its schedule until ctx is cancelled
func (r *Reaper) Start(ctx context.Context) {
	log.Printf("Reaper scheduled with %q, idle timeout %s", r.cron, r.idleTimeout)
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now(), false)
		if err != nil {
			log.Printf("Reaper: failed to compute next run for %q: %v", r.cron, err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				log.Println("Reaper stopped")
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := r.RunNow(ctx); err != nil {
				log.Printf("Reaper: sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("Reaper stopped")
			return
		}
	}
}
