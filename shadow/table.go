// Package shadow implements the shadow session table (C7): a capped,
// guarded map from prefixed device name to its live peer-side session,
// grounded on the mutex-guarded-map style of iotdevice's messageMux and the
// teacher's halt-channel shutdown convention used throughout its transports.
package shadow

import (
	"errors"
	"sync"
	"time"

	"github.com/shadowlink/bridge/model"
)

// DefaultMaxShadows is the default session cap (spec §4.6: "one ephemeral
// port per MQTT session").
const DefaultMaxShadows = 25000

// Disposable is implemented by a session's Transport value so RemoveSession
// can unsubscribe and disconnect it without the table knowing the concrete
// transport type.
type Disposable interface {
	Unsubscribe(topics []model.Topic) error
	Disconnect(hard bool) error
}

// Table is the C7 shadow session table. Zero value is not usable; use New.
type Table struct {
	max int

	mu       sync.Mutex
	sessions map[string]*model.Session
}

// New returns an empty Table capped at max sessions. max <= 0 uses
// DefaultMaxShadows.
func New(max int) *Table {
	if max <= 0 {
		max = DefaultMaxShadows
	}
	return &Table{max: max, sessions: make(map[string]*model.Session)}
}

// HasSession reports whether name has a live session.
func (t *Table) HasSession(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[name]
	return ok
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ErrAtCapacity is returned by AddSession when adding name would exceed the
// table's cap (spec §4.6: "new devices are skipped and logged, the rest of
// the batch still processes").
var ErrAtCapacity = errors.New("shadow: session table at capacity")

// AddSession installs session under name, replacing any existing entry for
// the same name. The caller must have already disposed of a prior session
// via RemoveSession; AddSession does not dispose the replaced value.
func (t *Table) AddSession(name string, session *model.Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[name]; !exists && len(t.sessions) >= t.max {
		return ErrAtCapacity
	}
	session.LastState = time.Now()
	t.sessions[name] = session
	return nil
}

// RemoveSession stops the session's listener task, unsubscribes its topics
// best-effort, disconnects its transport, and drops the entry. It is a
// no-op if name has no session (idempotent, per spec §4.6).
func (t *Table) RemoveSession(name string) {
	t.mu.Lock()
	sess, ok := t.sessions[name]
	if ok {
		delete(t.sessions, name)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if sess.Stop != nil {
		select {
		case <-sess.Stop:
		default:
			close(sess.Stop)
		}
	}
	if d, ok := sess.Transport.(Disposable); ok {
		_ = d.Unsubscribe(sess.Topics)
		_ = d.Disconnect(true)
	}
	if sess.Done != nil {
		select {
		case <-sess.Done:
		case <-time.After(5 * time.Second):
		}
	}
}

// Names returns the prefixed names of all live sessions, for bulk
// teardown on adapter shutdown.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.sessions))
	for k := range t.sessions {
		names = append(names, k)
	}
	return names
}

// Session returns the session recorded for name, if any.
func (t *Table) Session(name string) (*model.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	return s, ok
}
