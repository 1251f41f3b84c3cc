// Package identitymgr owns the set of loaded identities: principal to
// {identity, config, in-memory state} mapping, nick resolution, and default
// identity selection.
package identitymgr

import (
	"path/filepath"
	"sync"

	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/peerbook"
	"github.com/alexrudloff/clawchat/px"
	"github.com/alexrudloff/clawchat/snap2p"
)

// Config is one identity's slice of gateway-config.json's identities[]
// array, per spec §6.
type Config struct {
	Principal          string
	Nick               string
	Autoload           bool
	AllowLocal         bool
	AllowedRemotePeers []string
	OpenclawWake       bool
}

// AllowsWildcard reports whether this identity's ACL contains the wildcard
// element, per spec §4.F.
func (c Config) AllowsWildcard() bool {
	for _, p := range c.AllowedRemotePeers {
		if p == "*" {
			return true
		}
	}
	return false
}

// Allows reports whether remote is permitted to deliver to this identity.
func (c Config) Allows(remote string) bool {
	if c.AllowsWildcard() {
		return true
	}
	for _, p := range c.AllowedRemotePeers {
		if p == remote {
			return true
		}
	}
	return false
}

// State is one loaded identity's in-memory handles: its key material, its
// peer book, and its live sessions keyed by remote principal. Per spec's
// session invariant, at most one authenticated session exists per remote
// principal; PutSession enforces this.
type State struct {
	Identity *identity.Identity
	Config   Config
	PeerBook *peerbook.Book
	Inbox    *mailbox.Mailbox
	Outbox   *mailbox.Mailbox
	PX       *px.Exchange

	mu       sync.Mutex
	sessions map[string]*snap2p.Session
}

// PutSession installs session as the authenticated session for its remote
// principal, closing and discarding any prior session for that principal
// first (spec §3: "on duplicate, the older one is closed").
func (s *State) PutSession(session *snap2p.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[session.RemotePrincipal]; ok && old != session {
		old.Close(errs.New(errs.CodeConflict, "superseded by a newer session to the same principal"))
	}
	s.sessions[session.RemotePrincipal] = session
}

// DropSession removes session if it is still the current one for its
// remote principal.
func (s *State) DropSession(session *snap2p.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[session.RemotePrincipal]; ok && cur == session {
		delete(s.sessions, session.RemotePrincipal)
	}
}

// SessionFor returns the current authenticated session to remote, if any.
func (s *State) SessionFor(remote string) (*snap2p.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[remote]
	return session, ok
}

// Sessions snapshots every live session.
func (s *State) Sessions() []*snap2p.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*snap2p.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Snapshot is the read-only view List() returns.
type Snapshot struct {
	Principal string
	Nick      string
	Mode      identity.Mode
}

// Manager owns every loaded identity for one daemon process.
type Manager struct {
	mu      sync.Mutex
	rootDir string
	log     logger.Logger

	states           map[string]*State
	nicks            map[string]string
	order            []string // load order, for default-identity selection
	defaultPrincipal string
}

// New returns a Manager rooted at rootDir (the gateway's data directory;
// identities live under rootDir/identities/<principal>).
func New(rootDir string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Manager{
		rootDir: rootDir,
		log:     log,
		states:  make(map[string]*State),
		nicks:   make(map[string]string),
	}
}

func (m *Manager) identityDir(principal string) string {
	return filepath.Join(m.rootDir, "identities", identity.SanitizePrincipal(principal))
}

// Load decrypts principal's identity with passphrase and registers it under
// cfg. A nick already held by another loaded identity is rejected, whether
// or not either identity is autoloaded.
func (m *Manager) Load(principal, passphrase string, cfg Config) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[principal]; ok {
		return nil, errs.New(errs.CodeConflict, "identity already loaded: "+principal)
	}
	if cfg.Nick != "" {
		if existing, ok := m.nicks[cfg.Nick]; ok && existing != principal {
			return nil, errs.New(errs.CodeConflict, "duplicate nick: "+cfg.Nick)
		}
	}

	dir := m.identityDir(principal)
	store, err := identity.NewStore(dir)
	if err != nil {
		return nil, err
	}
	id, err := store.Load(passphrase)
	if err != nil {
		return nil, err
	}
	if id.Principal != principal {
		return nil, errs.New(errs.CodeConfig, "identity file principal does not match configuration")
	}
	id.Nick = cfg.Nick

	book, err := peerbook.Open(dir, m.log)
	if err != nil {
		return nil, err
	}
	inbox, err := mailbox.Open(dir, "inbox.json", m.log)
	if err != nil {
		return nil, err
	}
	outbox, err := mailbox.Open(dir, "outbox.json", m.log)
	if err != nil {
		return nil, err
	}

	state := &State{
		Identity: id,
		Config:   cfg,
		PeerBook: book,
		Inbox:    inbox,
		Outbox:   outbox,
		PX:       px.NewExchange(id.Principal, book, m.log, nil),
		sessions: make(map[string]*snap2p.Session),
	}
	m.states[principal] = state
	if cfg.Nick != "" {
		m.nicks[cfg.Nick] = principal
	}
	m.order = append(m.order, principal)
	if m.defaultPrincipal == "" && cfg.Autoload {
		m.defaultPrincipal = principal
	}

	m.log.Info("identity loaded", logger.String("principal", principal), logger.String("nick", cfg.Nick))
	return state, nil
}

// Unload discards principal's in-memory state (sessions are closed by the
// caller beforehand; Unload itself only forgets the bookkeeping).
func (m *Manager) Unload(principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[principal]
	if !ok {
		return errs.New(errs.CodeNotFound, "no such loaded identity: "+principal)
	}
	if state.Config.Nick != "" {
		delete(m.nicks, state.Config.Nick)
	}
	delete(m.states, principal)
	for i, p := range m.order {
		if p == principal {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.defaultPrincipal == principal {
		m.defaultPrincipal = m.firstAutoloadLocked()
	}
	return nil
}

func (m *Manager) firstAutoloadLocked() string {
	for _, p := range m.order {
		if m.states[p].Config.Autoload {
			return p
		}
	}
	return ""
}

// List snapshots every loaded identity in load order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, p := range m.order {
		s := m.states[p]
		out = append(out, Snapshot{Principal: p, Nick: s.Config.Nick, Mode: s.Identity.Mode})
	}
	return out
}

// Resolve maps a nick or a literal principal to a loaded principal. An empty
// input resolves to the default identity.
func (m *Manager) Resolve(nickOrPrincipal string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nickOrPrincipal == "" {
		if m.defaultPrincipal == "" {
			return "", false
		}
		return m.defaultPrincipal, true
	}
	if _, ok := m.states[nickOrPrincipal]; ok {
		return nickOrPrincipal, true
	}
	if p, ok := m.nicks[nickOrPrincipal]; ok {
		return p, true
	}
	return "", false
}

// GetState returns the loaded state for principal.
func (m *Manager) GetState(principal string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[principal]
	return s, ok
}

// LoadedPrincipals returns every loaded principal, in load order.
func (m *Manager) LoadedPrincipals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
