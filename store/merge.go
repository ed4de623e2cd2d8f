package store

import (
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/kniga/rdx"
)

// MergerName is persisted by pebble; a database opened with another
// merger name is refused.
const MergerName = "kniga.vv"

func merger(key, value []byte) (pebble.ValueMerger, error) {
	vm := &vvMerger{}
	return vm, vm.MergeNewer(value)
}

// vvMerger folds version vector records by pointwise max. The fold is
// order independent, so older and newer operands go to the same pile.
type vvMerger struct {
	vv  rdx.VV
	err error
}

func (a *vvMerger) add(value []byte) error {
	if a.vv == nil {
		a.vv = rdx.NewVV()
	}
	vv, err := rdx.VVFromTLV(value)
	if err != nil {
		a.err = err
		return err
	}
	a.vv.Merge(vv)
	return nil
}

func (a *vvMerger) MergeNewer(value []byte) error {
	return a.add(value)
}

func (a *vvMerger) MergeOlder(value []byte) error {
	return a.add(value)
}

func (a *vvMerger) Finish(includesBase bool) (res []byte, cl io.Closer, err error) {
	if a.err != nil {
		return nil, nil, a.err
	}
	return a.vv.TLV(), nil, nil
}
