package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"AutoSedance-server/models"
)

// ErrSuperseded is returned by Watch when a newer session for the same key
// took over.
var ErrSuperseded = errors.New("poll session superseded")

const DefaultPollInterval = 850 * time.Millisecond

// Poller runs poll loops over job snapshots. Each Watch call takes a fresh
// session token and becomes the live session for its key; an older loop for
// that key notices on its next tick and stops without calling onUpdate again.
// Tokens come from one counter for the whole poller and are never reused, so a
// superseded loop can not become live again once a key's session ends. The
// job itself is never touched.
type Poller struct {
	interval time.Duration

	mu       sync.Mutex
	next     uint64
	sessions map[string]uint64
}

func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{interval: interval, sessions: make(map[string]uint64)}
}

func (p *Poller) begin(key string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.sessions[key] = p.next
	return p.next
}

func (p *Poller) current(key string, token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[key] == token
}

func (p *Poller) end(key string, token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[key] == token {
		delete(p.sessions, key)
	}
}

// Watch calls fetch every interval and hands each changed snapshot to
// onUpdate, until the job is terminal, ctx is done, a newer session starts for
// key, or fetch or onUpdate fail.
func (p *Poller) Watch(ctx context.Context, key string, fetch func(ctx context.Context) (*models.Job, error), onUpdate func(*models.Job) error) error {
	token := p.begin(key)
	defer p.end(key, token)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *models.Job
	for {
		if !p.current(key, token) {
			return ErrSuperseded
		}
		job, err := fetch(ctx)
		if err != nil {
			return err
		}
		if !p.current(key, token) {
			return ErrSuperseded
		}
		if last == nil || changed(last, job) {
			if err := onUpdate(job); err != nil {
				return err
			}
			last = job
		}
		if job.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func changed(a, b *models.Job) bool {
	return a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.Message != b.Message ||
		a.MessageKey != b.MessageKey ||
		!reflect.DeepEqual(a.MessageParams, b.MessageParams) ||
		a.Error != b.Error
}
