/*
Package ephemeral keeps short-lived per-peer state, such as cursors and
presence, next to a document. Entries are last-writer-wins by
timestamp and vanish once they are older than the timeout. Nothing is
persisted and nothing runs in the background: expiry is checked on
every access and by RemoveOutdated.

Payload layout:

	Y{ V<format version> P{ K<key> T<unix ms> [value] }... }

An entry without a value is a deletion.
*/
package ephemeral

import (
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/utils"
)

const FormatVersion = 1

// Trigger tells what changed the store.
type Trigger int

const (
	ByLocal Trigger = iota
	ByImport
	ByTimeout
)

func (t Trigger) String() string {
	switch t {
	case ByLocal:
		return "local"
	case ByImport:
		return "import"
	case ByTimeout:
		return "timeout"
	}
	return "unknown"
}

type Event struct {
	By      Trigger
	Added   []string
	Updated []string
	Removed []string
}

func (e *Event) empty() bool {
	return len(e.Added) == 0 && len(e.Updated) == 0 && len(e.Removed) == 0
}

type entry struct {
	value   rdx.Value
	at      int64
	deleted bool
}

type Store struct {
	timeout time.Duration
	clock   func() time.Time
	log     utils.Logger

	lock    sync.Mutex
	entries map[string]*entry

	events  *event.Subscribers[*Event]
	updates *event.Subscribers[[]byte]
}

// New makes a store whose entries expire timeout after their last write.
func New(timeout time.Duration) *Store {
	return NewWithClock(timeout, time.Now)
}

func NewWithClock(timeout time.Duration, clock func() time.Time) *Store {
	return &Store{
		timeout: timeout,
		clock:   clock,
		log:     utils.NewNopLogger(),
		entries: make(map[string]*entry),
		events:  event.NewSubscribers[*Event](),
		updates: event.NewSubscribers[[]byte](),
	}
}

func (s *Store) SetLogger(log utils.Logger) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.log = log
}

func (s *Store) now() int64 {
	return s.clock().UnixMilli()
}

func (s *Store) expired(e *entry, now int64) bool {
	return now-e.at > s.timeout.Milliseconds()
}

func (s *Store) live(key string, now int64) *entry {
	e := s.entries[key]
	if e == nil || e.deleted || s.expired(e, now) {
		return nil
	}
	return e
}

// stamp is a timestamp above the one of the key, so local writes
// always win over the older ones.
func (s *Store) stamp(key string, now int64) int64 {
	if e := s.entries[key]; e != nil && e.at >= now {
		return e.at + 1
	}
	return now
}

func (s *Store) Set(key string, v rdx.Value) {
	s.lock.Lock()
	now := s.now()
	ev := &Event{By: ByLocal}
	if s.live(key, now) != nil {
		ev.Updated = []string{key}
	} else {
		ev.Added = []string{key}
	}
	e := &entry{value: v, at: s.stamp(key, now)}
	s.entries[key] = e
	update := encode(map[string]*entry{key: e})
	s.lock.Unlock()

	s.events.Emit(ev)
	s.updates.Emit(update)
}

// Delete removes the key everywhere the update reaches.
func (s *Store) Delete(key string) {
	s.lock.Lock()
	now := s.now()
	if s.live(key, now) == nil {
		s.lock.Unlock()
		return
	}
	e := &entry{value: rdx.Null(), at: s.stamp(key, now), deleted: true}
	s.entries[key] = e
	update := encode(map[string]*entry{key: e})
	s.lock.Unlock()

	s.events.Emit(&Event{By: ByLocal, Removed: []string{key}})
	s.updates.Emit(update)
}

func (s *Store) Get(key string) (rdx.Value, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if e := s.live(key, s.now()); e != nil {
		return e.value, true
	}
	return rdx.Null(), false
}

// Keys lists the live keys, sorted.
func (s *Store) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if s.live(key, now) != nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) GetAllStates() map[string]rdx.Value {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	ret := make(map[string]rdx.Value, len(s.entries))
	for key := range s.entries {
		if e := s.live(key, now); e != nil {
			ret[key] = e.value
		}
	}
	return ret
}

// Encode makes a payload of one key. An expired key yields a payload
// with no entries.
func (s *Store) Encode(key string) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	sel := make(map[string]*entry, 1)
	if e := s.entries[key]; e != nil && !s.expired(e, s.now()) {
		sel[key] = e
	}
	return encode(sel)
}

// EncodeAll makes a payload of every unexpired entry, deletions
// included.
func (s *Store) EncodeAll() []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	sel := make(map[string]*entry, len(s.entries))
	for key, e := range s.entries {
		if !s.expired(e, now) {
			sel[key] = e
		}
	}
	return encode(sel)
}

func encode(entries map[string]*entry) []byte {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	bm, ret := protocol.OpenHeader(nil, 'Y')
	ret = protocol.Append(ret, 'V', rdx.ZipUint64(FormatVersion))
	for _, key := range keys {
		e := entries[key]
		pbm, into := protocol.OpenHeader(ret, 'P')
		into = protocol.Append(into, 'K', []byte(key))
		into = protocol.Append(into, 'T', rdx.ZipUint64(uint64(e.at)))
		if !e.deleted {
			into = e.value.AppendTLV(into)
		}
		protocol.CloseHeader(into, pbm)
		ret = into
	}
	protocol.CloseHeader(ret, bm)
	return ret
}

func malformed(format string, args ...any) error {
	return errors.Wrapf(kniga_errors.ErrMalformedPayload, "ephemeral: "+format, args...)
}

func decode(data []byte) (map[string]*entry, error) {
	body, rest, err := protocol.TakeWary('Y', data)
	if err != nil || len(rest) != 0 {
		return nil, malformed("envelope")
	}
	cur := protocol.Cursor{Data: body}
	ver, err := cur.Expect('V')
	if err != nil {
		return nil, malformed("version")
	}
	if v := rdx.UnzipUint64(ver); v == 0 || v > FormatVersion {
		return nil, errors.Wrapf(kniga_errors.ErrIncompatibleVersion, "ephemeral version %d", v)
	}
	entries := make(map[string]*entry)
	for cur.Next() {
		if cur.Lit() != 'P' {
			return nil, malformed("unexpected record %c", cur.Lit())
		}
		ec := protocol.Cursor{Data: cur.Body()}
		key, err := ec.Expect('K')
		if err != nil {
			return nil, malformed("key")
		}
		at, err := ec.Expect('T')
		if err != nil || len(at) > 8 {
			return nil, malformed("timestamp of %q", key)
		}
		e := &entry{value: rdx.Null(), at: int64(rdx.UnzipUint64(at)), deleted: true}
		if len(ec.Data) > 0 {
			v, rest, err := rdx.TakeValue(ec.Data)
			if err != nil || len(rest) != 0 {
				return nil, malformed("value of %q", key)
			}
			e.value, e.deleted = v, false
		}
		if old := entries[string(key)]; old == nil || old.at < e.at {
			entries[string(key)] = e
		}
	}
	if cur.Err() != nil {
		return nil, malformed("%v", cur.Err())
	}
	return entries, nil
}

// Apply merges a payload made by Encode or EncodeAll on another peer.
// Newer timestamps win; expired entries are ignored. A malformed
// payload changes nothing.
func (s *Store) Apply(data []byte) error {
	entries, err := decode(data)
	if err != nil {
		s.log.Warn("ephemeral: bad payload", "len", len(data), "err", err)
		return err
	}
	s.lock.Lock()
	now := s.now()
	ev := &Event{By: ByImport}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		e := entries[key]
		if s.expired(e, now) {
			continue
		}
		if old := s.entries[key]; old != nil && old.at >= e.at {
			continue
		}
		was := s.live(key, now) != nil
		s.entries[key] = e
		switch {
		case e.deleted && was:
			ev.Removed = append(ev.Removed, key)
		case e.deleted:
		case was:
			ev.Updated = append(ev.Updated, key)
		default:
			ev.Added = append(ev.Added, key)
		}
	}
	s.lock.Unlock()
	if !ev.empty() {
		s.events.Emit(ev)
	}
	return nil
}

// RemoveOutdated drops the expired entries, reporting the live ones
// among them as removed.
func (s *Store) RemoveOutdated() {
	s.lock.Lock()
	now := s.now()
	ev := &Event{By: ByTimeout}
	for key, e := range s.entries {
		if !s.expired(e, now) {
			continue
		}
		if !e.deleted {
			ev.Removed = append(ev.Removed, key)
		}
		delete(s.entries, key)
	}
	s.lock.Unlock()
	if !ev.empty() {
		slices.Sort(ev.Removed)
		s.events.Emit(ev)
	}
}

// Subscribe delivers every change of the store.
func (s *Store) Subscribe(fn func(e *Event)) *event.Subscription[*Event] {
	return s.events.Subscribe(fn)
}

// SubscribeLocalUpdate delivers a payload for every local Set and
// Delete, ready to Apply on other peers.
func (s *Store) SubscribeLocalUpdate(fn func(update []byte)) *event.Subscription[[]byte] {
	return s.updates.Subscribe(fn)
}
