/*
Package kniga is a replicated document engine. A Doc holds containers
(Text, List, MovableList, Map, Tree, Counter) that any number of peers
edit concurrently and offline; exchanging the export payloads in any
order makes every replica converge to the same value.

Local edits go into an open transaction and become visible at once.
Commit seals the transaction into a change of the op log and delivers
the diff events. Export, Import, Checkout and the undo manager commit
the open transaction first.

Events fire on the committing goroutine after the document lock is
released. A listener may edit and commit the document; the events of
such a commit are queued and delivered after the current ones.
*/
package kniga

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/state"
	"github.com/drpcorg/kniga/store"
	"github.com/drpcorg/kniga/utils"
)

type Options struct {
	// PeerID identifies the replica; zero picks a random one.
	PeerID uint64
	Logger utils.Logger
	// RecordTimestamp stamps local changes with the wall clock time.
	RecordTimestamp bool
	// Dir keeps the op log in a pebble database; empty means memory only.
	Dir           string
	PebbleOptions *pebble.Options
}

func (o *Options) SetDefaults() {
	if o.PeerID == 0 {
		o.PeerID = RandomPeerID()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// RandomPeerID derives a peer id from a random UUID.
func RandomPeerID() uint64 {
	for {
		u := uuid.New()
		peer := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])
		if peer != 0 && peer != math.MaxUint64 {
			return peer
		}
	}
}

// txn is the open transaction: its ops are applied to the state as
// they come and sealed into one change by commit.
type txn struct {
	start   rdx.ID
	lamport rdx.Lamport
	deps    rdx.Frontiers
	n       int32
	ops     []oplog.Op
	inverse []inverse
	replay  *undoReplay
}

type Doc struct {
	opts Options
	log  utils.Logger
	peer uint64

	lock     sync.Mutex
	oplog    *oplog.OpLog
	state    *state.DocState
	root     *rootRecord
	detached bool
	// the version of a detached state
	checkout rdx.Frontiers
	txn      *txn
	closed   bool
	// tree ordering settings, the jitter or -1 when disabled
	trees map[rdx.ContainerID]int
	db    *store.Store

	events  *event.Registry
	updates *event.Subscribers[[]byte]
	hoses   *xsync.MapOf[string, protocol.DrainCloser]
	undos   *xsync.MapOf[*UndoManager, struct{}]

	outlock  sync.Mutex
	outbox   []func()
	emitting bool
}

// NewDoc makes an empty in-memory document with a random peer id.
func NewDoc() *Doc {
	d, _ := New(Options{})
	return d
}

// New makes a document. With Options.Dir set the op log is loaded from
// and saved to a pebble database there.
func New(opts Options) (*Doc, error) {
	opts.SetDefaults()
	d := &Doc{
		opts:    opts,
		log:     opts.Logger,
		peer:    opts.PeerID,
		oplog:   oplog.New(),
		state:   state.New(),
		trees:   make(map[rdx.ContainerID]int),
		events:  event.NewRegistry(),
		updates: event.NewSubscribers[[]byte](),
		hoses:   xsync.NewMapOf[string, protocol.DrainCloser](),
		undos:   xsync.NewMapOf[*UndoManager, struct{}](),
	}
	if opts.Dir == "" {
		return d, nil
	}
	db, err := store.Open(opts.Dir, opts.PebbleOptions, opts.Logger)
	if err != nil {
		return nil, err
	}
	d.db = db
	if err := d.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// load replays the stored root and changes.
func (d *Doc) load() error {
	data, err := d.db.Root()
	if err != nil {
		return err
	}
	if data != nil {
		root, err := parseRootRecord(data)
		if err != nil {
			return errors.Wrap(err, "stored root")
		}
		st, err := root.decodeState()
		if err != nil {
			return errors.Wrap(err, "stored root")
		}
		d.root = root
		d.oplog = oplog.NewShallow(root.shallow(), root.lamport)
		d.state = st
	}
	changes, err := d.db.Changes()
	if err != nil {
		return err
	}
	ready, err := d.oplog.Prepare(changes)
	if err != nil {
		return errors.Wrap(err, "stored changes")
	}
	for _, c := range ready {
		if err := d.oplog.Append(c); err != nil {
			return err
		}
		d.applyChange(c)
	}
	d.log.Info("document loaded", "dir", d.opts.Dir, "changes", d.oplog.ChangeCount(), "vv", d.oplog.VersionVector().String())
	return nil
}

func (d *Doc) PeerID() uint64 {
	return d.peer
}

// Close commits the open transaction, closes the update hoses and the
// database. A closed document refuses edits.
func (d *Doc) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	err := d.commit("", "")
	d.closed = true
	db := d.db
	d.db = nil
	d.lock.Unlock()
	d.flush()

	d.hoses.Range(func(name string, hose protocol.DrainCloser) bool {
		_ = hose.Close()
		d.hoses.Delete(name)
		return true
	})
	if db != nil {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (d *Doc) applyChange(c *oplog.Change) {
	for i := range c.Ops {
		d.state.Apply(&c.Ops[i])
	}
}

// begin opens the transaction if there is none.
func (d *Doc) begin() *txn {
	if d.txn == nil {
		d.txn = &txn{
			start:   rdx.NewID(d.peer, d.oplog.VersionVector().End(d.peer)),
			lamport: d.oplog.NextLamport(),
			deps:    d.oplog.Frontiers(),
		}
		d.state.StartRecording()
	}
	return d.txn
}

// push applies one local op and returns its id.
func (d *Doc) push(cid rdx.ContainerID, content oplog.Content) rdx.ID {
	t := d.begin()
	op := oplog.Op{
		ID:        t.start.Inc(t.n),
		Lamport:   t.lamport + uint32(t.n),
		Container: cid,
		Content:   content,
	}
	if inv := d.inverseOf(&op); inv != nil {
		t.inverse = append(t.inverse, inv)
	}
	d.state.Apply(&op)
	t.ops = append(t.ops, op)
	t.n += op.Len()
	return op.ID
}

// nextID is the id the next pushed op gets.
func (d *Doc) nextID() rdx.ID {
	t := d.begin()
	return t.start.Inc(t.n)
}

// commit seals the open transaction. The caller holds the lock and
// flushes the outbox after releasing it.
func (d *Doc) commit(origin, message string) error {
	t := d.txn
	if t == nil {
		return nil
	}
	d.txn = nil
	diffs := d.state.EndRecording()
	if len(t.ops) == 0 {
		return nil
	}
	c := &oplog.Change{
		ID:      t.start,
		Lamport: t.lamport,
		Deps:    t.deps,
		Message: message,
		Ops:     t.ops,
	}
	if d.opts.RecordTimestamp {
		c.Timestamp = time.Now().Unix()
	}
	if err := d.oplog.Append(c); err != nil {
		d.log.Error("local change refused by the log", "change", c.String(), "err", err)
		return err
	}
	d.undoCommitted(t, c, origin)
	update := encodeEnvelope(modeUpdates, oplog.AppendChanges(nil, []*oplog.Change{c}))
	d.post(func() {
		d.updates.Emit(update)
		d.drainHoses(update)
	})
	if len(diffs) > 0 {
		ev := &event.DiffEvent{
			TriggeredBy: event.TriggerLocal,
			Origin:      origin,
			From:        t.deps,
			To:          d.oplog.Frontiers(),
			Events:      diffs,
		}
		d.post(func() { d.events.Emit(ev) })
	}
	return d.persist([]*oplog.Change{c})
}

func (d *Doc) persist(changes []*oplog.Change) error {
	if d.db == nil {
		return nil
	}
	if err := d.db.PutChanges(changes); err != nil {
		d.log.Error("failed to store changes", "count", len(changes), "err", err)
		return err
	}
	return nil
}

// Commit seals the open transaction and delivers its events.
func (d *Doc) Commit() error {
	return d.CommitWith("", "")
}

// CommitWith commits with an origin, passed to the events as is, and
// a message stored in the change.
func (d *Doc) CommitWith(origin, message string) error {
	d.lock.Lock()
	err := d.commit(origin, message)
	d.lock.Unlock()
	d.flush()
	return err
}

// writable checks that the container accepts local edits. Callers hold
// the lock.
func (d *Doc) writable(cid rdx.ContainerID) error {
	switch {
	case d.closed:
		return kniga_errors.ErrClosed
	case d.detached:
		return kniga_errors.ErrDetached
	case !cid.Root && d.state.IsDeleted(cid):
		return errors.Wrapf(kniga_errors.ErrContainerDeleted, "%s", cid.String())
	}
	return nil
}

// mutate runs a local edit under the lock.
func (d *Doc) mutate(cid rdx.ContainerID, fn func() error) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.writable(cid); err != nil {
		return err
	}
	return fn()
}

// read runs a query under the lock.
func (d *Doc) read(fn func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	fn()
}

func (d *Doc) post(fn func()) {
	d.outlock.Lock()
	d.outbox = append(d.outbox, fn)
	d.outlock.Unlock()
}

// flush runs the outbox unless some caller up the stack already does.
func (d *Doc) flush() {
	d.outlock.Lock()
	if d.emitting {
		d.outlock.Unlock()
		return
	}
	d.emitting = true
	for {
		if len(d.outbox) == 0 {
			d.emitting = false
			d.outlock.Unlock()
			return
		}
		fn := d.outbox[0]
		d.outbox = d.outbox[1:]
		d.outlock.Unlock()
		d.deliver(fn)
		d.outlock.Lock()
	}
}

func (d *Doc) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}

// Subscribe delivers the events touching the container or anything
// nested in it.
func (d *Doc) Subscribe(cid rdx.ContainerID, fn event.Listener) (*event.Subscription[*event.DiffEvent], error) {
	if !cid.Type.Valid() {
		return nil, errors.Wrapf(rdx.ErrBadContainerID, "%s", cid.String())
	}
	return d.events.Subscribe(cid, fn), nil
}

// SubscribeRoot delivers every event.
func (d *Doc) SubscribeRoot(fn event.Listener) *event.Subscription[*event.DiffEvent] {
	return d.events.SubscribeRoot(fn)
}

// SubscribeLocalUpdate delivers an update payload for every local
// change, ready to Import on another replica.
func (d *Doc) SubscribeLocalUpdate(fn func(update []byte)) *event.Subscription[[]byte] {
	return d.updates.Subscribe(fn)
}

// AddUpdateHose drains the local update payloads into the hose, e.g.
// a utils.FDQueue feeding a transport. A hose that fails is closed
// and removed.
func (d *Doc) AddUpdateHose(name string, hose protocol.DrainCloser) {
	if old, loaded := d.hoses.LoadAndStore(name, hose); loaded && old != hose {
		_ = old.Close()
	}
}

func (d *Doc) RemoveUpdateHose(name string) {
	if hose, ok := d.hoses.LoadAndDelete(name); ok {
		_ = hose.Close()
	}
}

func (d *Doc) drainHoses(update []byte) {
	d.hoses.Range(func(name string, hose protocol.DrainCloser) bool {
		if err := hose.Drain(context.Background(), protocol.Records{update}); err != nil {
			d.log.Warn("update hose failed", "hose", name, "err", err)
			d.RemoveUpdateHose(name)
		}
		return true
	})
}

func (d *Doc) VersionVector() rdx.VV {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.oplog.VersionVector()
}

// OplogFrontiers are the heads of the op log, the open transaction
// excluded.
func (d *Doc) OplogFrontiers() rdx.Frontiers {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.oplog.Frontiers()
}

// ChangeCount counts the changes in the log, trimmed ones excluded.
func (d *Doc) ChangeCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.oplog.ChangeCount()
}

// GetChange returns the change holding the id.
func (d *Doc) GetChange(id rdx.ID) (*oplog.Change, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	c := d.oplog.GetChange(id)
	if c == nil {
		return nil, errors.Wrapf(kniga_errors.ErrNotFound, "change %s", id.String())
	}
	return c, nil
}

// TravelChangeAncestors visits the changes holding the ids and their
// ancestors, newest first, until fn returns false. fn runs under the
// document lock and must not call the document.
func (d *Doc) TravelChangeAncestors(ids []rdx.ID, fn func(c *oplog.Change) bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.oplog.TravelAncestors(ids, fn)
}

// GetValue is the shallow value of the root containers.
func (d *Doc) GetValue() rdx.Value {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state.Value()
}

// GetDeepValue resolves nested containers into values.
func (d *Doc) GetDeepValue() rdx.Value {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state.DeepValue()
}

// ContainerDeepValue is the resolved value of one container.
func (d *Doc) ContainerDeepValue(cid rdx.ContainerID) (rdx.Value, error) {
	if !cid.Type.Valid() {
		return rdx.Null(), errors.Wrapf(rdx.ErrBadContainerID, "%s", cid.String())
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state.ContainerDeepValue(cid), nil
}

// IsDeleted tells whether the container is unreachable from the roots.
func (d *Doc) IsDeleted(cid rdx.ContainerID) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return !cid.Root && d.state.IsDeleted(cid)
}

// Containers lists the containers that have state.
func (d *Doc) Containers() []rdx.ContainerID {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state.Containers()
}
