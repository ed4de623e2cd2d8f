package kniga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/rdx"
)

func TestCheckout(t *testing.T) {
	d := newDocWithText(t, 0xa, "one")
	v1 := d.OplogFrontiers()
	require.NoError(t, d.GetText("t").Insert(3, " two"))
	require.NoError(t, d.GetMap("m").Set("k", rdx.Bool(true)))
	require.NoError(t, d.Commit())
	v2 := d.OplogFrontiers()

	var events []*event.DiffEvent
	d.SubscribeRoot(func(e *event.DiffEvent) { events = append(events, e) })

	require.NoError(t, d.Checkout(v1))
	assert.True(t, d.IsDetached())
	assert.Equal(t, v1, d.StateFrontiers())
	assert.Equal(t, v2, d.OplogFrontiers())
	assert.Equal(t, "one", d.GetText("t").ToString())
	assert.Zero(t, d.GetMap("m").Len())
	require.Len(t, events, 1)
	assert.Equal(t, event.TriggerCheckout, events[0].TriggeredBy)
	assert.Equal(t, v2, events[0].From)
	assert.Equal(t, v1, events[0].To)

	assert.ErrorIs(t, d.GetText("t").Insert(0, "x"), kniga_errors.ErrDetached)
	assert.ErrorIs(t, d.GetCounter("c").Increment(1), kniga_errors.ErrDetached)

	require.NoError(t, d.Attach())
	assert.False(t, d.IsDetached())
	assert.Equal(t, "one two", d.GetText("t").ToString())
	assert.Len(t, events, 2)
	require.NoError(t, d.GetText("t").Insert(0, ">"))
	require.NoError(t, d.Commit())
}

func TestCheckout_ImportWhileDetached(t *testing.T) {
	a := newDocWithText(t, 0xa, "a")
	b := newDoc(t, 0xb)
	exchange(t, a, b)

	require.NoError(t, b.Detach())
	assert.True(t, b.IsDetached())
	require.NoError(t, a.GetText("t").Insert(1, "b"))
	exchange(t, a, b)
	assert.Equal(t, "a", b.GetText("t").ToString())
	assert.Equal(t, a.VersionVector(), b.VersionVector())

	require.NoError(t, b.CheckoutToLatest())
	assert.Equal(t, "ab", b.GetText("t").ToString())
}

func TestCheckout_Errors(t *testing.T) {
	d := newDocWithText(t, 0xa, "x")
	err := d.Checkout(rdx.NewFrontiers(rdx.NewID(0xbad, 0)))
	assert.ErrorIs(t, err, kniga_errors.ErrUnknownFrontiers)
	assert.False(t, d.IsDetached())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.CheckoutContext(ctx, rdx.NewFrontiers(rdx.NewID(0xa, 0)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, d.IsDetached())

	// the empty version
	require.NoError(t, d.Checkout(nil))
	assert.Equal(t, "", d.GetText("t").ToString())
	require.NoError(t, d.Attach())
	assert.Equal(t, "x", d.GetText("t").ToString())
}
