package kniga

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/state"
)

const (
	OriginUndo = "undo"
	OriginRedo = "redo"
)

// inverse reverts the effect of one local op. It is captured before
// the op applies and addresses elements by id, so it holds after any
// concurrent edits. apply pushes nothing if the effect is gone.
type inverse interface {
	container() rdx.ContainerID
	apply(d *Doc, ids idRemap)
}

// idRemap leads from a sequence element that an undo or redo deleted
// and inserted anew to its replacement.
type idRemap map[rdx.ID]rdx.ID

func (r idRemap) resolve(id rdx.ID) rdx.ID {
	for {
		next, ok := r[id]
		if !ok {
			return id
		}
		id = next
	}
}

type invOn struct {
	cid rdx.ContainerID
}

func (on invOn) container() rdx.ContainerID {
	return on.cid
}

// inverseOf captures the inverse of an op about to apply. Callers hold
// the lock.
func (d *Doc) inverseOf(op *oplog.Op) inverse {
	if d.undos.Size() == 0 {
		return nil
	}
	cid := op.Container
	switch c := op.Content.(type) {
	case *oplog.TextInsert, *oplog.ListInsert:
		ids := make([]rdx.ID, op.Len())
		for k := range ids {
			ids[k] = op.ID.Inc(int32(k))
		}
		return &seqRemove{invOn: invOn{cid}, ids: ids}
	case *oplog.SeqDelete:
		return d.seqRestoreOf(cid, c.Span)
	case *oplog.MovableMove:
		item, ok := d.state.Peek(cid).(*state.MovableList).PositionItem(c.Elem)
		if !ok {
			return nil
		}
		return &moveBack{invOn: invOn{cid}, elem: c.Elem, item: item}
	case *oplog.MovableSet:
		v, _, alive, _ := d.state.Peek(cid).(*state.MovableList).Elem(c.Elem)
		if !alive {
			return nil
		}
		return &setBack{invOn: invOn{cid}, elem: c.Elem, value: v}
	case *oplog.MapSet:
		return d.mapRestoreOf(cid, c.Key)
	case *oplog.MapDelete:
		return d.mapRestoreOf(cid, c.Key)
	case *oplog.TreeMove:
		t := d.state.Peek(cid).(*state.Tree)
		if !t.Contains(c.Target) {
			return &treeRemove{invOn: invOn{cid}, node: c.Target}
		}
		parent, _ := t.Parent(c.Target)
		return &treeRestore{invOn: invOn{cid}, node: c.Target, parent: parent, position: slices.Clone(t.PositionKey(c.Target))}
	case *oplog.CounterInc:
		return &counterBack{invOn: invOn{cid}, delta: -c.Delta}
	case *oplog.TextMark:
		return &markRemove{invOn: invOn{cid}, mark: op.ID}
	case *oplog.TextUnmark:
		m, ok := d.state.Peek(cid).(*state.Text).Mark(c.Mark)
		if !ok {
			return nil
		}
		return &markRestore{invOn: invOn{cid}, mark: m}
	}
	return nil
}

func (d *Doc) mapRestoreOf(cid rdx.ContainerID, key string) inverse {
	v, existed := d.state.Peek(cid).(*state.Map).Get(key)
	return &mapRestore{invOn: invOn{cid}, key: key, value: v, existed: existed}
}

// seqRun is a run of deleted elements that stood side by side.
type seqRun struct {
	anchor rdx.ID
	last   int
	ids    []rdx.ID
	text   []rune
	values []rdx.Value
}

func (d *Doc) seqRestoreOf(cid rdx.ContainerID, span rdx.IDSpan) inverse {
	var runs []*seqRun
	add := func(id rdx.ID, pos int, r rune, v rdx.Value) {
		if n := len(runs); n > 0 && runs[n-1].last+1 == pos {
			run := runs[n-1]
			run.last = pos
			run.ids = append(run.ids, id)
			run.text = append(run.text, r)
			run.values = append(run.values, v)
			return
		}
		runs = append(runs, &seqRun{anchor: id, last: pos, ids: []rdx.ID{id}, text: []rune{r}, values: []rdx.Value{v}})
	}
	st := d.state.Peek(cid)
	for k := int32(0); k < span.Len(); k++ {
		id := span.Start().Inc(k)
		// inserted by the same transaction, its own inverse removes it
		if d.txn != nil && id.Peer == d.peer && id.Counter >= d.txn.start.Counter {
			continue
		}
		switch c := st.(type) {
		case *state.Text:
			if pos, alive, _ := c.Position(id); alive {
				r, _ := c.Char(id)
				add(id, pos, r, rdx.Null())
			}
		case *state.List:
			if pos, alive, _ := c.Position(id); alive {
				v, _ := c.Elem(id)
				add(id, pos, 0, v)
			}
		case *state.MovableList:
			if v, pos, alive, _ := c.Elem(id); alive {
				add(id, pos, 0, v)
			}
		}
	}
	if len(runs) == 0 {
		return nil
	}
	return &seqRestore{invOn: invOn{cid}, runs: runs}
}

type seqRemove struct {
	invOn
	ids []rdx.ID
}

func (inv *seqRemove) apply(d *Doc, ids idRemap) {
	var alive []rdx.ID
	st := d.state.Peek(inv.cid)
	for _, id := range inv.ids {
		id = ids.resolve(id)
		ok := false
		switch c := st.(type) {
		case *state.Text:
			_, ok, _ = c.Position(id)
		case *state.List:
			_, ok, _ = c.Position(id)
		case *state.MovableList:
			_, _, ok, _ = c.Elem(id)
		}
		if ok {
			alive = append(alive, id)
		}
	}
	for _, op := range state.DeleteIDs(alive) {
		d.push(inv.cid, op)
	}
}

// seqRestore inserts the content of deleted runs anew right in front
// of their first tombstone. The new elements replace the old ones in ids.
type seqRestore struct {
	invOn
	runs []*seqRun
}

func (inv *seqRestore) apply(d *Doc, ids idRemap) {
	for i := len(inv.runs) - 1; i >= 0; i-- {
		run := inv.runs[i]
		anchor := ids.resolve(run.anchor)
		var (
			op oplog.Content
			ok bool
		)
		switch c := d.state.Peek(inv.cid).(type) {
		case *state.Text:
			op, ok = c.InsertBeforeOp(anchor, string(run.text))
		case *state.List:
			op, ok = c.InsertBeforeOp(anchor, run.values...)
		case *state.MovableList:
			op, ok = c.InsertBeforeOp(anchor, run.values...)
		}
		if !ok {
			d.log.Warn("undo: cannot restore", "container", inv.cid.String(), "anchor", anchor.String())
			continue
		}
		first := d.push(inv.cid, op)
		for k, old := range run.ids {
			ids[ids.resolve(old)] = first.Inc(int32(k))
		}
	}
}

type moveBack struct {
	invOn
	elem, item rdx.ID
}

func (inv *moveBack) apply(d *Doc, ids idRemap) {
	op, err := d.state.Peek(inv.cid).(*state.MovableList).MoveBackOp(ids.resolve(inv.elem), inv.item)
	if err == nil {
		d.push(inv.cid, op)
	}
}

type setBack struct {
	invOn
	elem  rdx.ID
	value rdx.Value
}

func (inv *setBack) apply(d *Doc, ids idRemap) {
	elem := ids.resolve(inv.elem)
	if _, _, alive, _ := d.state.Peek(inv.cid).(*state.MovableList).Elem(elem); alive {
		d.push(inv.cid, &oplog.MovableSet{Elem: elem, Value: inv.value})
	}
}

type mapRestore struct {
	invOn
	key     string
	value   rdx.Value
	existed bool
}

func (inv *mapRestore) apply(d *Doc, _ idRemap) {
	if inv.existed {
		d.push(inv.cid, &oplog.MapSet{Key: inv.key, Value: inv.value})
		return
	}
	if _, ok := d.state.Peek(inv.cid).(*state.Map).Get(inv.key); ok {
		d.push(inv.cid, &oplog.MapDelete{Key: inv.key})
	}
}

type treeRemove struct {
	invOn
	node rdx.ID
}

func (inv *treeRemove) apply(d *Doc, _ idRemap) {
	op, err := d.state.Peek(inv.cid).(*state.Tree).DeleteOp(inv.node)
	if err == nil {
		d.push(inv.cid, op)
	}
}

type treeRestore struct {
	invOn
	node     rdx.ID
	parent   oplog.TreeParent
	position []byte
}

func (inv *treeRestore) apply(d *Doc, _ idRemap) {
	op, err := d.state.Peek(inv.cid).(*state.Tree).RestoreOp(inv.node, inv.parent, inv.position)
	if err != nil {
		d.log.Warn("undo: cannot restore tree node", "node", inv.node.String(), "err", err)
		return
	}
	d.push(inv.cid, op)
}

type counterBack struct {
	invOn
	delta float64
}

func (inv *counterBack) apply(d *Doc, _ idRemap) {
	d.push(inv.cid, &oplog.CounterInc{Delta: inv.delta})
}

type markRemove struct {
	invOn
	mark rdx.ID
}

func (inv *markRemove) apply(d *Doc, _ idRemap) {
	if d.state.Peek(inv.cid).(*state.Text).MarkLive(inv.mark) {
		d.push(inv.cid, &oplog.TextUnmark{Mark: inv.mark})
	}
}

type markRestore struct {
	invOn
	mark *oplog.TextMark
}

func (inv *markRestore) apply(d *Doc, _ idRemap) {
	m := *inv.mark
	d.push(inv.cid, &m)
}

type UndoKind int

const (
	KindUndo UndoKind = iota
	KindRedo
)

func (k UndoKind) String() string {
	if k == KindRedo {
		return "redo"
	}
	return "undo"
}

// OnPush is called when an item lands on a stack; its result is handed
// back to OnPop when the item is used.
type OnPush func(kind UndoKind, span rdx.CounterSpan) (meta any)

type OnPop func(kind UndoKind, span rdx.CounterSpan, meta any)

type undoItem struct {
	span    rdx.CounterSpan
	inverse []inverse
	meta    any
	at      time.Time
	// made by an undo or redo, never merged into
	replayed bool
}

// undoReplay marks the transaction that applies an undo item.
type undoReplay struct {
	manager *UndoManager
	kind    UndoKind
}

// UndoManager undoes and redoes the local changes of one document.
// Every manager has its own stacks and hooks. Undo commits new changes
// with the origin "undo", Redo with "redo"; the history stays intact.
type UndoManager struct {
	doc *Doc

	lock     sync.Mutex
	undo     []*undoItem
	redo     []*undoItem
	maxSteps int
	interval time.Duration
	excluded []string
	onPush   OnPush
	onPop    OnPop
	now      func() time.Time
	// guarded by the document lock
	ids idRemap
}

const DefaultMaxUndoSteps = 100

func NewUndoManager(doc *Doc) *UndoManager {
	m := &UndoManager{
		doc:      doc,
		maxSteps: DefaultMaxUndoSteps,
		now:      time.Now,
		ids:      make(idRemap),
	}
	doc.lock.Lock()
	// edits made before the manager are not undoable
	if err := doc.commit("", ""); err != nil {
		doc.log.Warn("undo: commit before start failed", "err", err)
	}
	doc.undos.Store(m, struct{}{})
	doc.lock.Unlock()
	doc.flush()
	return m
}

// Close detaches the manager from the document.
func (m *UndoManager) Close() {
	m.doc.undos.Delete(m)
	m.lock.Lock()
	m.undo, m.redo = nil, nil
	m.lock.Unlock()
}

func (m *UndoManager) SetOnPush(fn OnPush) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onPush = fn
}

func (m *UndoManager) SetOnPop(fn OnPop) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onPop = fn
}

// SetMaxUndoSteps caps the undo stack; the oldest items go first.
func (m *UndoManager) SetMaxUndoSteps(n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.maxSteps = max(n, 0)
	m.trim()
}

// SetMergeInterval joins local commits made within the interval of the
// previous one into a single undo item. Zero disables merging.
func (m *UndoManager) SetMergeInterval(interval time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.interval = interval
}

// AddExcludeOriginPrefix makes commits whose origin has the prefix
// invisible to the manager.
func (m *UndoManager) AddExcludeOriginPrefix(prefix string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.excluded = append(m.excluded, prefix)
}

func (m *UndoManager) CanUndo() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.undo) > 0
}

func (m *UndoManager) CanRedo() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.redo) > 0
}

// Undo reverts the latest undo item. It reports false when there is
// nothing to undo.
func (m *UndoManager) Undo() (bool, error) {
	return m.perform(KindUndo)
}

// Redo reapplies what the latest undo reverted.
func (m *UndoManager) Redo() (bool, error) {
	return m.perform(KindRedo)
}

func (m *UndoManager) perform(kind UndoKind) (bool, error) {
	d := m.doc
	d.lock.Lock()
	done, err := m.performLocked(kind)
	d.lock.Unlock()
	d.flush()
	return done, err
}

func (m *UndoManager) performLocked(kind UndoKind) (bool, error) {
	d := m.doc
	switch {
	case d.closed:
		return false, kniga_errors.ErrClosed
	case d.detached:
		return false, kniga_errors.ErrDetached
	}
	if err := d.commit("", ""); err != nil {
		return false, err
	}
	m.lock.Lock()
	stack := &m.undo
	if kind == KindRedo {
		stack = &m.redo
	}
	if len(*stack) == 0 {
		m.lock.Unlock()
		return false, nil
	}
	item := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	onPop := m.onPop
	m.lock.Unlock()

	t := d.begin()
	t.replay = &undoReplay{manager: m, kind: kind}
	for i := len(item.inverse) - 1; i >= 0; i-- {
		cid := item.inverse[i].container()
		if err := d.writable(cid); err != nil {
			d.log.Debug("undo: skipped", "container", cid.String(), "err", err)
			continue
		}
		item.inverse[i].apply(d, m.ids)
	}
	origin := OriginUndo
	if kind == KindRedo {
		origin = OriginRedo
	}
	err := d.commit(origin, "")
	if onPop != nil {
		d.post(func() {
			m.lock.Lock()
			meta := item.meta
			m.lock.Unlock()
			onPop(kind, item.span, meta)
		})
	}
	return true, err
}

// undoCommitted hands a local change to the undo managers. Callers
// hold the lock.
func (d *Doc) undoCommitted(t *txn, c *oplog.Change, origin string) {
	if len(t.inverse) == 0 {
		return
	}
	d.undos.Range(func(m *UndoManager, _ struct{}) bool {
		m.record(t, c.Span().Counter, origin)
		return true
	})
}

func (m *UndoManager) record(t *txn, span rdx.CounterSpan, origin string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.now()
	if t.replay != nil && t.replay.manager == m {
		item := &undoItem{span: span, inverse: t.inverse, at: now, replayed: true}
		if t.replay.kind == KindUndo {
			m.redo = append(m.redo, item)
			m.pushed(KindRedo, item)
		} else {
			m.undo = append(m.undo, item)
			m.pushed(KindUndo, item)
			m.trim()
		}
		return
	}
	for _, prefix := range m.excluded {
		if strings.HasPrefix(origin, prefix) {
			return
		}
	}
	m.redo = nil
	if n := len(m.undo); n > 0 && m.interval > 0 {
		last := m.undo[n-1]
		if !last.replayed && now.Sub(last.at) < m.interval && last.span.End == span.Start {
			last.inverse = append(last.inverse, t.inverse...)
			last.span.End = span.End
			last.at = now
			return
		}
	}
	item := &undoItem{span: span, inverse: t.inverse, at: now}
	m.undo = append(m.undo, item)
	m.pushed(KindUndo, item)
	m.trim()
}

// pushed schedules the OnPush hook; it runs once the document lock is
// released.
func (m *UndoManager) pushed(kind UndoKind, item *undoItem) {
	fn := m.onPush
	if fn == nil {
		return
	}
	m.doc.post(func() {
		meta := fn(kind, item.span)
		m.lock.Lock()
		item.meta = meta
		m.lock.Unlock()
	})
}

func (m *UndoManager) trim() {
	if over := len(m.undo) - m.maxSteps; over > 0 {
		m.undo = slices.Delete(m.undo, 0, over)
	}
}
