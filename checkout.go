package kniga

import (
	"context"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/state"
)

// buildState replays the log into a fresh state at the version vv.
func (d *Doc) buildState(ctx context.Context, vv rdx.VV) (*state.DocState, error) {
	st := state.New()
	from := rdx.NewVV()
	if d.root != nil {
		if !vv.IncludesVV(d.root.vv) {
			return nil, errors.Wrapf(kniga_errors.ErrShallowHistory, "%s is before the root", vv.String())
		}
		var err error
		if st, err = d.root.decodeState(); err != nil {
			return nil, err
		}
		from = d.root.vv
	}
	for _, c := range d.oplog.ChangesIn(from, vv) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range c.Ops {
			st.Apply(&c.Ops[i])
		}
	}
	return st, nil
}

// Checkout shows the document at the version f. The document gets
// detached: local edits fail with ErrDetached and imports only reach
// the log until Attach.
func (d *Doc) Checkout(f rdx.Frontiers) error {
	return d.CheckoutContext(context.Background(), f)
}

// CheckoutContext is Checkout that gives up once ctx is done, leaving
// the document as it was.
func (d *Doc) CheckoutContext(ctx context.Context, f rdx.Frontiers) error {
	d.lock.Lock()
	err := d.checkoutLocked(ctx, f, true)
	d.lock.Unlock()
	d.flush()
	return err
}

// CheckoutToLatest brings the state to the head of the log and attaches
// the document.
func (d *Doc) CheckoutToLatest() error {
	d.lock.Lock()
	defer d.flush()
	defer d.lock.Unlock()
	if !d.detached {
		return nil
	}
	return d.checkoutLocked(context.Background(), d.oplog.Frontiers(), false)
}

// Attach is CheckoutToLatest.
func (d *Doc) Attach() error {
	return d.CheckoutToLatest()
}

// Detach freezes the state at the current version; imports keep
// growing the log.
func (d *Doc) Detach() error {
	d.lock.Lock()
	defer d.flush()
	defer d.lock.Unlock()
	if d.closed {
		return kniga_errors.ErrClosed
	}
	if err := d.commit("", ""); err != nil {
		return err
	}
	if !d.detached {
		d.detached = true
		d.checkout = d.oplog.Frontiers().Clone()
	}
	return nil
}

func (d *Doc) IsDetached() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.detached
}

// StateFrontiers is the version the state shows.
func (d *Doc) StateFrontiers() rdx.Frontiers {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stateFrontiers()
}

func (d *Doc) stateFrontiers() rdx.Frontiers {
	if d.detached {
		return d.checkout.Clone()
	}
	return d.oplog.Frontiers().Clone()
}

func (d *Doc) checkoutLocked(ctx context.Context, f rdx.Frontiers, detach bool) error {
	if d.closed {
		return kniga_errors.ErrClosed
	}
	if err := d.commit("", ""); err != nil {
		return err
	}
	vv, err := d.oplog.FrontiersToVV(f)
	if err != nil {
		return err
	}
	st, err := d.buildState(ctx, vv)
	if err != nil {
		return err
	}
	from := d.stateFrontiers()
	diffs := state.Diff(d.state, st)
	d.state = st
	d.detached = detach
	d.checkout = nil
	if detach {
		d.checkout = f.Clone()
	}
	d.log.DebugCtx(ctx, "checkout", "frontiers", f.String(), "detached", detach)
	if len(diffs) > 0 {
		ev := &event.DiffEvent{
			TriggeredBy: event.TriggerCheckout,
			From:        from,
			To:          f.Clone(),
			Events:      diffs,
		}
		d.post(func() { d.events.Emit(ev) })
	}
	return nil
}
