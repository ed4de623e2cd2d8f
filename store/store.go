/*
Package store persists the change log of a document in pebble.

Key layout:

	C <peer:8> <counter:4>  one change, the value is its C record
	V                       the version vector, kept by a merge operator
	R                       the shallow root the log starts from

Changes are written in batches together with a merge of the version
vector, so the vector never runs ahead of the changes it covers.
*/
package store

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/utils"
)

const (
	changePrefix = 'C'
	changeKeyLen = 1 + 8 + 4
)

var (
	vvKey   = []byte{'V'}
	rootKey = []byte{'R'}
)

var ErrClosed = errors.New("store: closed")

func ChangeKey(id rdx.ID) []byte {
	key := make([]byte, 1, changeKeyLen)
	key[0] = changePrefix
	key = binary.BigEndian.AppendUint64(key, id.Peer)
	return binary.BigEndian.AppendUint32(key, uint32(id.Counter))
}

func ChangeKeyID(key []byte) (rdx.ID, bool) {
	if len(key) != changeKeyLen || key[0] != changePrefix {
		return rdx.NoID, false
	}
	return rdx.ID{
		Peer:    binary.BigEndian.Uint64(key[1:9]),
		Counter: int32(binary.BigEndian.Uint32(key[9:])),
	}, true
}

type Store struct {
	db    *pebble.DB
	dir   string
	log   utils.Logger
	wo    *pebble.WriteOptions
	open  atomic.Bool
	wrote atomic.Uint64
}

// Open opens or creates the database in dir. The merger of opts is
// replaced with the version vector merger.
func Open(dir string, opts *pebble.Options, log utils.Logger) (*Store, error) {
	po := pebble.Options{}
	if opts != nil {
		po = *opts
	}
	po.Merger = &pebble.Merger{
		Name:  MergerName,
		Merge: merger,
	}
	db, err := pebble.Open(dir, &po)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dir)
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	s := &Store{db: db, dir: dir, log: log, wo: pebble.Sync}
	s.open.Store(true)
	log.Debug("store opened", "dir", dir)
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Database() *pebble.DB {
	return s.db
}

// Written is the number of changes stored since Open.
func (s *Store) Written() uint64 {
	return s.wrote.Load()
}

// PutChanges stores the changes and advances the version vector.
func (s *Store) PutChanges(changes []*oplog.Change) error {
	if !s.open.Load() {
		return ErrClosed
	}
	if len(changes) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	vv := rdx.NewVV()
	for _, c := range changes {
		if err := batch.Set(ChangeKey(c.ID), c.TLV(), nil); err != nil {
			return err
		}
		if vv.End(c.Peer()) < c.End() {
			vv.SetEnd(c.Peer(), c.End())
		}
	}
	if err := batch.Merge(vvKey, vv.TLV(), nil); err != nil {
		return err
	}
	if err := batch.Commit(s.wo); err != nil {
		return errors.Wrap(err, "commit changes")
	}
	s.wrote.Add(uint64(len(changes)))
	return nil
}

// PutRoot replaces the shallow root record together with the changes
// that follow it. Changes of the previous log are dropped.
func (s *Store) PutRoot(root []byte, vv rdx.VV, changes []*oplog.Change) error {
	if !s.open.Load() {
		return ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	lo := []byte{changePrefix}
	hi := []byte{changePrefix + 1}
	if err := batch.DeleteRange(lo, hi, nil); err != nil {
		return err
	}
	if err := batch.Set(rootKey, root, nil); err != nil {
		return err
	}
	vv = vv.Clone()
	for _, c := range changes {
		if err := batch.Set(ChangeKey(c.ID), c.TLV(), nil); err != nil {
			return err
		}
		if vv.End(c.Peer()) < c.End() {
			vv.SetEnd(c.Peer(), c.End())
		}
	}
	// a Set drops the merge history of the key
	if err := batch.Set(vvKey, vv.TLV(), nil); err != nil {
		return err
	}
	if err := batch.Commit(s.wo); err != nil {
		return errors.Wrap(err, "commit root")
	}
	s.wrote.Add(uint64(len(changes)))
	return nil
}

// Root returns the shallow root record, nil if the log is complete.
func (s *Store) Root() ([]byte, error) {
	return s.get(rootKey)
}

func (s *Store) VersionVector() (rdx.VV, error) {
	val, err := s.get(vvKey)
	if err != nil {
		return nil, err
	}
	return rdx.VVFromTLV(val)
}

func (s *Store) get(key []byte) ([]byte, error) {
	if !s.open.Load() {
		return nil, ErrClosed
	}
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Changes loads every stored change, ordered by peer and counter.
func (s *Store) Changes() (changes []*oplog.Change, err error) {
	if !s.open.Load() {
		return nil, ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{changePrefix},
		UpperBound: []byte{changePrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		id, ok := ChangeKeyID(it.Key())
		if !ok {
			s.log.Warn("store: odd change key", "key", it.Key())
			continue
		}
		parsed, err := oplog.ChangesFromTLV(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "change %s", id.String())
		}
		changes = append(changes, parsed...)
	}
	return changes, it.Error()
}

func (s *Store) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	s.log.Debug("store closed", "dir", s.dir)
	return s.db.Close()
}
