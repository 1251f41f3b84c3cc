// Package peerbook holds one identity's table of known peer contact
// records: node public keys, advertised multi-addresses, and the
// first-seen/last-seen/verified bookkeeping PX-1 and the session protocol
// both feed into.
package peerbook

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

// Record is one entry of the peer book, keyed by principal.
type Record struct {
	Principal       string    `json:"principal"`
	NodePublicKey   string    `json:"nodePublicKey,omitempty"`
	Multiaddrs      []string  `json:"multiaddrs"`
	Alias           string    `json:"alias,omitempty"`
	SourcePrincipal string    `json:"sourcePrincipal,omitempty"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	Verified        bool      `json:"verified"`
}

const fileName = "peers.json"
const filePerm = 0o600

// Book is the synchronously-persisted peer book for one identity.
type Book struct {
	mu      sync.Mutex
	path    string
	lock    *flock.Flock
	records map[string]Record
	log     logger.Logger
}

// Open loads (or creates) the peer book at dir/peers.json.
func Open(dir string, log logger.Logger) (*Book, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	path := filepath.Join(dir, fileName)
	b := &Book{
		path:    path,
		lock:    flock.New(path + ".lock"),
		records: make(map[string]Record),
		log:     log,
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) load() error {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "peerbook: read peers.json", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var list []Record
	if err := json.Unmarshal(raw, &list); err != nil {
		return errs.Wrap(errs.CodeProtocol, "peerbook: malformed peers.json", err)
	}
	for _, r := range list {
		b.records[r.Principal] = r
	}
	return nil
}

// persist rewrites the whole file under an exclusive lock. Callers must
// already hold b.mu.
func (b *Book) persist() error {
	if err := b.lock.Lock(); err != nil {
		return errs.Wrap(errs.CodeFatal, "peerbook: acquire lock", err)
	}
	defer b.lock.Unlock()

	list := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Principal < list[j].Principal })

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "peerbook: marshal peers.json", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, filePerm); err != nil {
		return errs.Wrap(errs.CodeFatal, "peerbook: write peers.json", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return errs.Wrap(errs.CodeFatal, "peerbook: replace peers.json", err)
	}
	return nil
}

func mergeAddrs(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if _, ok := set[a]; !ok {
			set[a] = struct{}{}
			out = append(out, a)
		}
	}
	for _, a := range incoming {
		if _, ok := set[a]; !ok {
			set[a] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Add merges address (and optional alias) into principal's record, creating
// it if absent. Grounded on spec §4.H: "add(principal, address, alias?)
// merges (addresses as a set)".
func (b *Book) Add(principal, address, alias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	r, ok := b.records[principal]
	if !ok {
		r = Record{Principal: principal, FirstSeen: now}
	}
	if address != "" {
		r.Multiaddrs = mergeAddrs(r.Multiaddrs, []string{address})
	}
	if alias != "" {
		r.Alias = alias
	}
	r.LastSeen = now
	b.records[principal] = r
	return b.persist()
}

// Remove deletes principal's record entirely.
func (b *Book) Remove(principal string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[principal]; !ok {
		return errs.New(errs.CodeNotFound, "peerbook: no such peer")
	}
	delete(b.records, principal)
	return b.persist()
}

// List snapshots every record.
func (b *Book) List() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// Get returns principal's record, if known.
func (b *Book) Get(principal string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[principal]
	return r, ok
}

// MergeLearned folds in a record learned from PX-1 gossip or a successful
// dial. verified is only ever upgraded (true once set stays true), since a
// first-hand authentication outranks hearsay even on later gossip for the
// same principal.
func (b *Book) MergeLearned(principal string, nodePubKeyHex string, addresses []string, source string, verified bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	r, ok := b.records[principal]
	if !ok {
		r = Record{Principal: principal, FirstSeen: now, SourcePrincipal: source}
	}
	if nodePubKeyHex != "" {
		r.NodePublicKey = nodePubKeyHex
	}
	r.Multiaddrs = mergeAddrs(r.Multiaddrs, addresses)
	if verified {
		r.Verified = true
	}
	r.LastSeen = now
	b.records[principal] = r
	return b.persist()
}

// Touch marks principal as seen just now, used on every successful session
// authentication.
func (b *Book) Touch(principal string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[principal]
	if !ok {
		r = Record{Principal: principal, FirstSeen: time.Now()}
	}
	r.LastSeen = time.Now()
	r.Verified = true
	b.records[principal] = r
	return b.persist()
}
