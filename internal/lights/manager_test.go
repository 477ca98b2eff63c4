package lights

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(ls []Light) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID()
	}
	return out
}

func TestDiscoverAllFlattens(t *testing.T) {
	a, b, c := newFakeLight("a"), newFakeLight("b"), newFakeLight("c")
	m := NewManager(
		&fakeDiscoverer{brand: "one", lights: []Light{a, b}, delay: 20 * time.Millisecond},
		&fakeDiscoverer{brand: "two", lights: []Light{c}},
	)

	res := m.DiscoverAll(context.Background())
	require.NoError(t, res.Err())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(res.Lights))
	assert.Equal(t, []string{"a", "b"}, ids(res.Lights)[:2], "within-adapter order kept")

	l, ok := m.Light("c")
	require.True(t, ok)
	assert.Same(t, c, l)
	assert.Len(t, m.Lights(), 3)
}

func TestDiscoverAllDropsDuplicates(t *testing.T) {
	a := newFakeLight("a")
	dup := newFakeLight("a")
	m := NewManager(
		&fakeDiscoverer{brand: "one", lights: []Light{a}},
		&fakeDiscoverer{brand: "two", lights: []Light{dup, newFakeLight("b")}},
	)

	res := m.DiscoverAll(context.Background())
	assert.Equal(t, []string{"a", "b"}, ids(res.Lights))
	assert.Same(t, a, res.Lights[0], "first registered adapter wins")
}

func TestDiscoverAllIsolatesFailures(t *testing.T) {
	boom := errors.New("bridge unreachable")
	m := NewManager(
		&fakeDiscoverer{brand: "broken", err: boom},
		&fakeDiscoverer{brand: "panicky", panics: true},
		&fakeDiscoverer{brand: "partial", lights: []Light{newFakeLight("p")}, err: errors.New("one host down")},
		&fakeDiscoverer{brand: "fine", lights: []Light{newFakeLight("x")}, delay: 30 * time.Millisecond},
	)

	res := m.DiscoverAll(context.Background())
	assert.Equal(t, []string{"p", "x"}, ids(res.Lights))
	require.Len(t, res.Errors, 3)

	var derr *DiscoveryError
	require.ErrorAs(t, res.Errors[0], &derr)
	assert.Equal(t, Brand("broken"), derr.Brand)
	assert.ErrorIs(t, res.Err(), boom)

	require.ErrorAs(t, res.Errors[1], &derr)
	assert.Equal(t, Brand("panicky"), derr.Brand)
}

func TestDiscoverAllWithProgress(t *testing.T) {
	m := NewManager(
		&fakeDiscoverer{brand: "one", lights: []Light{newFakeLight("a"), newFakeLight("b")}},
		&fakeDiscoverer{brand: "two", lights: []Light{newFakeLight("c")}},
		&fakeDiscoverer{brand: "empty"},
	)

	var mu sync.Mutex
	got := map[Brand]int{}
	m.DiscoverAllWithProgress(context.Background(), func(b Brand, ls []Light) {
		mu.Lock()
		defer mu.Unlock()
		got[b] += len(ls)
	})
	assert.Equal(t, map[Brand]int{"one": 2, "two": 1}, got)
}

func TestDiscoverAllRunsConcurrently(t *testing.T) {
	m := NewManager()
	for i := 0; i < 5; i++ {
		m.Register(&fakeDiscoverer{brand: "slow", delay: 100 * time.Millisecond})
	}

	start := time.Now()
	m.DiscoverAll(context.Background())
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestManagerClose(t *testing.T) {
	d1, d2 := &fakeDiscoverer{brand: "one"}, &fakeDiscoverer{brand: "two"}
	m := NewManager(d1, d2)
	require.NoError(t, m.Close())
	assert.True(t, d1.closed.Load())
	assert.True(t, d2.closed.Load())
}

func TestGoveeWithoutAddressesFindsNothing(t *testing.T) {
	d := NewGoveeDiscoverer(nil, time.Second)

	start := time.Now()
	found, err := d.Discover(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, found)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.NoError(t, d.Close())
}
