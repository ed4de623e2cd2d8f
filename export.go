package kniga

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/state"
)

// Payload layout:
//
//	K{ V<format version> M<mode> X<xxhash64 of the body, BE> B<body> }
//
// The body is an optional root record followed by change records:
//
//	R{ F<frontiers> V<version vector> L<next lamport> S<state> }
//	C{ ... }...
//
// A root stands for all the history it covers; a document that
// starts from a root is shallow.
const FormatVersion = 1

type payloadMode byte

const (
	modeSnapshot   payloadMode = 'S'
	modeUpdates    payloadMode = 'U'
	modeRange      payloadMode = 'R'
	modeShallow    payloadMode = 'H'
	modeStateOnly  payloadMode = 'O'
	modeSnapshotAt payloadMode = 'A'
)

func (m payloadMode) valid() bool {
	switch m {
	case modeSnapshot, modeUpdates, modeRange, modeShallow, modeStateOnly, modeSnapshotAt:
		return true
	}
	return false
}

func encodeEnvelope(mode payloadMode, body []byte) []byte {
	sum := binary.BigEndian.AppendUint64(nil, xxhash.Sum64(body))
	return protocol.Record('K',
		protocol.Record('V', rdx.ZipUint64(FormatVersion)),
		protocol.Record('M', []byte{byte(mode)}),
		protocol.Record('X', sum),
		protocol.Record('B', body),
	)
}

func malformed(format string, args ...any) error {
	return errors.Wrapf(kniga_errors.ErrMalformedPayload, format, args...)
}

func decodeEnvelope(data []byte) (mode payloadMode, body []byte, err error) {
	env, rest, err := protocol.TakeWary('K', data)
	if err != nil {
		return 0, nil, malformed("envelope: %v", err)
	}
	if len(rest) != 0 {
		return 0, nil, malformed("%d bytes after the envelope", len(rest))
	}
	cur := protocol.Cursor{Data: env}
	ver, err := cur.Expect('V')
	if err != nil {
		return 0, nil, malformed("version: %v", err)
	}
	if v := rdx.UnzipUint64(ver); len(ver) > 8 || v == 0 || v > FormatVersion {
		return 0, nil, errors.Wrapf(kniga_errors.ErrIncompatibleVersion, "version %d, supported %d", v, FormatVersion)
	}
	m, err := cur.Expect('M')
	if err != nil || len(m) != 1 || !payloadMode(m[0]).valid() {
		return 0, nil, malformed("mode")
	}
	sum, err := cur.Expect('X')
	if err != nil || len(sum) != 8 {
		return 0, nil, malformed("checksum")
	}
	body, err = cur.Expect('B')
	if err != nil {
		return 0, nil, malformed("body: %v", err)
	}
	if len(cur.Data) != 0 {
		return 0, nil, malformed("trailing envelope records")
	}
	if binary.BigEndian.Uint64(sum) != xxhash.Sum64(body) {
		return 0, nil, kniga_errors.ErrChecksum
	}
	return payloadMode(m[0]), body, nil
}

// rootRecord is the version a shallow log starts from together with
// the state at that version.
type rootRecord struct {
	frontiers rdx.Frontiers
	vv        rdx.VV
	lamport   rdx.Lamport
	state     []byte
}

func (r *rootRecord) encode() []byte {
	return protocol.Record('R',
		protocol.Record('F', r.frontiers.TLV()),
		protocol.Record('V', r.vv.TLV()),
		protocol.Record('L', rdx.ZipUint64(uint64(r.lamport))),
		protocol.Record('S', r.state),
	)
}

func parseRootRecord(data []byte) (*rootRecord, error) {
	body, rest, err := protocol.TakeWary('R', data)
	if err != nil || len(rest) != 0 {
		return nil, malformed("root record")
	}
	return parseRootBody(body)
}

func parseRootBody(body []byte) (r *rootRecord, err error) {
	r = &rootRecord{}
	cur := protocol.Cursor{Data: body}
	f, err := cur.Expect('F')
	if err == nil {
		r.frontiers, err = rdx.FrontiersFromTLV(f)
	}
	if err != nil || len(r.frontiers) == 0 {
		return nil, malformed("root frontiers")
	}
	vv, err := cur.Expect('V')
	if err == nil {
		r.vv, err = rdx.VVFromTLV(vv)
	}
	if err != nil {
		return nil, malformed("root version vector: %v", err)
	}
	for _, id := range r.frontiers {
		if !r.vv.Includes(id) {
			return nil, malformed("root frontier %s is outside its version vector", id.String())
		}
	}
	lamport, err := cur.Expect('L')
	if err != nil || len(lamport) > 4 {
		return nil, malformed("root lamport")
	}
	r.lamport = rdx.Lamport(rdx.UnzipUint64(lamport))
	if r.state, err = cur.Expect('S'); err != nil {
		return nil, malformed("root state: %v", err)
	}
	return r, nil
}

func (r *rootRecord) decodeState() (*state.DocState, error) {
	return state.Decode(r.state)
}

func (r *rootRecord) shallow() oplog.ShallowRoot {
	return oplog.ShallowRoot{Frontiers: r.frontiers, VV: r.vv}
}

// parseBody splits a payload body into its root and changes.
func parseBody(body []byte) (root *rootRecord, changes []*oplog.Change, err error) {
	if len(body) > 0 && body[0]&^protocol.CaseBit == 'R' {
		rb, rest, err := protocol.TakeWary('R', body)
		if err != nil {
			return nil, nil, malformed("root record: %v", err)
		}
		if root, err = parseRootBody(rb); err != nil {
			return nil, nil, err
		}
		body = rest
	}
	changes, err = oplog.ChangesFromTLV(body)
	return root, changes, err
}

// ExportMode selects what Export puts into the payload.
type ExportMode struct {
	mode      payloadMode
	vv        rdx.VV
	spans     []rdx.IDSpan
	frontiers rdx.Frontiers
}

// ExportSnapshot is the whole log.
func ExportSnapshot() ExportMode {
	return ExportMode{mode: modeSnapshot}
}

// ExportUpdates is everything a replica at vv lacks.
func ExportUpdates(vv rdx.VV) ExportMode {
	return ExportMode{mode: modeUpdates, vv: vv.Clone()}
}

// ExportUpdatesInRange is the changes overlapping the spans.
func ExportUpdatesInRange(spans ...rdx.IDSpan) ExportMode {
	return ExportMode{mode: modeRange, spans: spans}
}

// ExportShallowSnapshot is the state at f with the history after it.
// It fails if a later change is concurrent with f.
func ExportShallowSnapshot(f rdx.Frontiers) ExportMode {
	return ExportMode{mode: modeShallow, frontiers: f.Clone()}
}

// ExportStateOnly is the state at f without any history.
func ExportStateOnly(f rdx.Frontiers) ExportMode {
	return ExportMode{mode: modeStateOnly, frontiers: f.Clone()}
}

// ExportSnapshotAt is the log up to f.
func ExportSnapshotAt(f rdx.Frontiers) ExportMode {
	return ExportMode{mode: modeSnapshotAt, frontiers: f.Clone()}
}

func (m ExportMode) String() string {
	switch m.mode {
	case modeSnapshot:
		return "snapshot"
	case modeUpdates:
		return "updates"
	case modeRange:
		return "updates-in-range"
	case modeShallow:
		return "shallow-snapshot"
	case modeStateOnly:
		return "state-only"
	case modeSnapshotAt:
		return "snapshot-at"
	}
	return "invalid"
}

// Export commits the open transaction and encodes a payload for Import.
func (d *Doc) Export(mode ExportMode) ([]byte, error) {
	d.lock.Lock()
	body, err := d.export(mode)
	d.lock.Unlock()
	d.flush()
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(mode.mode, body), nil
}

func (d *Doc) export(mode ExportMode) (body []byte, err error) {
	if d.closed {
		return nil, kniga_errors.ErrClosed
	}
	if err := d.commit("", ""); err != nil {
		return nil, err
	}
	switch mode.mode {
	case modeSnapshot:
		return d.appendChangesIn(d.appendRoot(nil), nil, d.oplog.VersionVector()), nil
	case modeUpdates:
		if d.root != nil && !mode.vv.IncludesVV(d.root.vv) {
			body = d.appendRoot(nil)
		}
		return oplog.AppendChanges(body, d.oplog.ChangesSince(mode.vv)), nil
	case modeRange:
		return oplog.AppendChanges(nil, d.oplog.ChangesInSpans(mode.spans)), nil
	case modeSnapshotAt:
		vv, err := d.oplog.FrontiersToVV(mode.frontiers)
		if err != nil {
			return nil, err
		}
		return d.appendChangesIn(d.appendRoot(nil), nil, vv), nil
	case modeStateOnly:
		root, err := d.rootAt(mode.frontiers)
		if err != nil || root == nil {
			return nil, err
		}
		return root.encode(), nil
	case modeShallow:
		return d.exportShallow(mode.frontiers)
	}
	return nil, errors.Errorf("kniga: bad export mode %d", mode.mode)
}

// appendChangesIn appends the changes between the vectors; a nil from
// starts at the root of a shallow log.
func (d *Doc) appendChangesIn(into []byte, from, to rdx.VV) []byte {
	if from == nil {
		from = rdx.NewVV()
		if d.root != nil {
			from = d.root.vv
		}
	}
	return oplog.AppendChanges(into, d.oplog.ChangesIn(from, to))
}

func (d *Doc) appendRoot(into []byte) []byte {
	if d.root == nil {
		return into
	}
	return append(into, d.root.encode()...)
}

// rootAt builds the root record of the version f; nil for the empty
// version.
func (d *Doc) rootAt(f rdx.Frontiers) (*rootRecord, error) {
	if len(f) == 0 {
		return nil, nil
	}
	vv, err := d.oplog.FrontiersToVV(f)
	if err != nil {
		return nil, err
	}
	st, err := d.buildState(context.Background(), vv)
	if err != nil {
		return nil, err
	}
	return &rootRecord{
		frontiers: f.Clone(),
		vv:        vv,
		lamport:   d.oplog.NextLamport(),
		state:     st.Encode(),
	}, nil
}

func (d *Doc) exportShallow(f rdx.Frontiers) ([]byte, error) {
	root, err := d.rootAt(f)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return d.appendChangesIn(d.appendRoot(nil), nil, d.oplog.VersionVector()), nil
	}
	tail := d.oplog.ChangesIn(root.vv, d.oplog.VersionVector())
	// the receiver must be able to append the tail to the root
	if _, err := oplog.NewShallow(root.shallow(), root.lamport).Prepare(tail); err != nil {
		return nil, err
	}
	return oplog.AppendChanges(root.encode(), tail), nil
}

// ImportStatus tells which id spans an import added to the log.
// Pending is always empty: payloads with missing dependencies are
// rejected as a whole.
type ImportStatus struct {
	Success []rdx.IDSpan
	Pending []rdx.IDSpan
}

// Import merges a payload made by Export on any replica.
func (d *Doc) Import(data []byte) (ImportStatus, error) {
	return d.ImportBatch([][]byte{data})
}

// ImportWith is Import with an origin passed to the events as is.
func (d *Doc) ImportWith(data []byte, origin string) (ImportStatus, error) {
	return d.importPayloads([][]byte{data}, origin)
}

// ImportBatch merges several payloads at once, emitting one event. On
// error nothing is imported.
func (d *Doc) ImportBatch(batch [][]byte) (ImportStatus, error) {
	return d.importPayloads(batch, "")
}

func (d *Doc) importPayloads(batch [][]byte, origin string) (ImportStatus, error) {
	d.lock.Lock()
	status, err := d.importLocked(batch, origin)
	d.lock.Unlock()
	d.flush()
	if err != nil {
		d.log.Warn("import failed", "payloads", len(batch), "origin", origin, "err", err)
	}
	return status, err
}

func (d *Doc) importLocked(batch [][]byte, origin string) (status ImportStatus, err error) {
	if d.closed {
		return status, kniga_errors.ErrClosed
	}
	if err := d.commit("", ""); err != nil {
		return status, err
	}
	var (
		roots   []*rootRecord
		changes []*oplog.Change
	)
	for _, data := range batch {
		_, body, err := decodeEnvelope(data)
		if err != nil {
			return status, err
		}
		root, cs, err := parseBody(body)
		if err != nil {
			return status, err
		}
		if root != nil {
			roots = append(roots, root)
		}
		changes = append(changes, cs...)
	}

	var adopt *rootRecord
	for _, root := range roots {
		switch {
		case d.oplog.VersionVector().IncludesVV(root.vv):
		case adopt != nil && adopt.vv.IncludesVV(root.vv):
		case adopt == nil && d.oplog.IsEmpty() && !d.oplog.IsShallow():
			adopt = root
		default:
			return status, errors.Wrapf(kniga_errors.ErrShallowHistory,
				"the payload starts at %s", root.vv.String())
		}
	}

	log := d.oplog
	var rootState *state.DocState
	if adopt != nil {
		if rootState, err = adopt.decodeState(); err != nil {
			return status, err
		}
		log = oplog.NewShallow(adopt.shallow(), adopt.lamport)
	}
	ready, err := log.Prepare(changes)
	if err != nil {
		return status, err
	}

	oldVV := d.oplog.VersionVector().Clone()
	oldF := d.oplog.Frontiers().Clone()
	var diffs []event.ContainerDiff
	if adopt != nil {
		d.oplog = log
		d.root = adopt
		if !d.detached {
			old := d.state
			d.state = rootState
			for _, c := range ready {
				d.applyChange(c)
			}
			diffs = state.Diff(old, d.state)
		}
	} else if !d.detached {
		d.state.StartRecording()
	}
	for _, c := range ready {
		if err := d.oplog.Append(c); err != nil {
			// Prepare has checked every change
			d.log.Error("prepared change refused", "change", c.String(), "err", err)
			return status, err
		}
		if adopt == nil && !d.detached {
			d.applyChange(c)
		}
	}
	if adopt == nil && !d.detached {
		diffs = d.state.EndRecording()
	}

	status.Success = d.oplog.VersionVector().Diff(oldVV)
	d.log.Debug("imported", "changes", len(ready), "origin", origin, "vv", d.oplog.VersionVector().String())
	if len(diffs) > 0 {
		ev := &event.DiffEvent{
			TriggeredBy: event.TriggerImport,
			Origin:      origin,
			From:        oldF,
			To:          d.oplog.Frontiers(),
			Events:      diffs,
		}
		d.post(func() { d.events.Emit(ev) })
	}

	if d.db != nil {
		if adopt != nil {
			err = d.db.PutRoot(adopt.encode(), adopt.vv, ready)
		} else {
			err = d.persist(ready)
		}
	}
	return status, err
}
