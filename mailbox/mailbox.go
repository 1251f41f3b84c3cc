// Package mailbox implements durable per-identity inbox/outbox storage: the
// Message type of spec §3 and single-writer, flock-guarded persistence of
// the inbox.json/outbox.json files of spec §6. The retry engine that drains
// pending outbox entries lives in package delivery.
package mailbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
)

// Status is a message's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one mailbox entry, per spec §3.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromNick  string `json:"fromNick,omitempty"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
}

const filePerm = 0o600

// Mailbox is one JSON-array file (inbox.json or outbox.json) with
// single-writer, full-file-rewrite persistence.
type Mailbox struct {
	mu       sync.Mutex
	path     string
	lock     *flock.Flock
	messages []Message
	index    map[string]int
	log      logger.Logger
}

// Open loads (or creates) the mailbox file at dir/fileName.
func Open(dir, fileName string, log logger.Logger) (*Mailbox, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	path := filepath.Join(dir, fileName)
	m := &Mailbox{
		path:  path,
		lock:  flock.New(path + ".lock"),
		index: make(map[string]int),
		log:   log,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mailbox) load() error {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "mailbox: read "+m.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var list []Message
	if err := json.Unmarshal(raw, &list); err != nil {
		return errs.Wrap(errs.CodeProtocol, "mailbox: malformed "+m.path, err)
	}
	m.messages = list
	m.reindex()
	return nil
}

func (m *Mailbox) reindex() {
	m.index = make(map[string]int, len(m.messages))
	for i, msg := range m.messages {
		m.index[msg.ID] = i
	}
}

// persist rewrites the whole file under an exclusive lock. Callers must
// already hold m.mu. A failed write is retried up to three times, 10ms
// apart; if every attempt fails, a CodeFatal error is returned. Neither
// persist nor its callers stop the daemon on this error: callers log it or
// return it to their own caller.
func (m *Mailbox) persist() error {
	if err := m.lock.Lock(); err != nil {
		return errs.Wrap(errs.CodeFatal, "mailbox: acquire lock", err)
	}
	defer m.lock.Unlock()

	raw, err := json.MarshalIndent(m.messages, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "mailbox: marshal "+m.path, err)
	}

	var writeErr error
	tmp := m.path + ".tmp"
	for attempt := 0; attempt < 3; attempt++ {
		if writeErr = os.WriteFile(tmp, raw, filePerm); writeErr == nil {
			writeErr = os.Rename(tmp, m.path)
		}
		if writeErr == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errs.Wrap(errs.CodeFatal, "mailbox: persist "+m.path+" failed after retries", writeErr)
}

// Append adds msg if its id is new. Returns false, nil if the id already
// exists (silent dedup, used for inbound delivery idempotence).
func (m *Mailbox) Append(msg Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[msg.ID]; exists {
		return false, nil
	}
	m.messages = append(m.messages, msg)
	m.index[msg.ID] = len(m.messages) - 1
	if err := m.persist(); err != nil {
		// roll back the in-memory append so a later retry can still succeed
		m.messages = m.messages[:len(m.messages)-1]
		delete(m.index, msg.ID)
		return false, err
	}
	return true, nil
}

// UpdateStatus sets id's status and persists. Returns errs.CodeNotFound if
// id is unknown.
func (m *Mailbox) UpdateStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return errs.New(errs.CodeNotFound, "mailbox: no such message "+id)
	}
	prior := m.messages[i].Status
	m.messages[i].Status = status
	if err := m.persist(); err != nil {
		m.messages[i].Status = prior
		return err
	}
	return nil
}

// Get returns message id, if present.
func (m *Mailbox) Get(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return Message{}, false
	}
	return m.messages[i], true
}

// List snapshots every message, sorted by timestamp ascending (spec §6
// recommends this ordering but does not require it of readers).
func (m *Mailbox) List() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Since returns every message with Timestamp > since, in timestamp order.
func (m *Mailbox) Since(since int64) []Message {
	all := m.List()
	out := make([]Message, 0, len(all))
	for _, msg := range all {
		if msg.Timestamp > since {
			out = append(out, msg)
		}
	}
	return out
}

// Pending returns every message currently in StatusPending, a snapshot
// taken under lock so concurrent appends during a retry tick are not
// observed mid-tick (spec §5: "the retry tick processes a snapshot").
func (m *Mailbox) Pending() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.Status == StatusPending {
			out = append(out, msg)
		}
	}
	return out
}

// Count returns the number of messages currently stored.
func (m *Mailbox) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
