package cell_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/substrates/cell"
	"code.hybscloud.com/substrates/circuit"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/pipe"
	"code.hybscloud.com/substrates/subject"
)

func passthroughIngress(_ *subject.Subject[cell.Cell[int, int]], aggregate pipe.Pipe[int]) pipe.Pipe[int] {
	return pipe.Sink(func(v int) error { return aggregate.Emit(v) })
}

func passthroughEgress(_ *subject.Subject[cell.Cell[int, int]], aggregate pipe.Pipe[int]) pipe.Pipe[int] {
	return pipe.Sink(func(v int) error { return aggregate.Emit(v) })
}

func newTestRoot(t *testing.T, outlet pipe.Pipe[int]) (*circuit.Circuit, *cell.Cell[int, int]) {
	t.Helper()
	reg := name.NewRegistry()
	circSubj := subject.New[circuit.Circuit](subject.ID{}, reg.MustParse("test.cell.circuit"), "circuit", nil)
	c := circuit.New(circSubj, 1024, 1024, nil)
	t.Cleanup(func() { _ = c.Close() })

	rootSubj := subject.New[cell.Cell[int, int]](subject.ID{}, reg.MustParse("test.cell.root"), "cell", nil)
	root := cell.New[int, int](rootSubj, c, outlet, passthroughIngress, passthroughEgress)
	return c, root
}

func TestCellEmitReachesOutlet(t *testing.T) {
	var mu sync.Mutex
	var got []int
	outlet := pipe.Sink(func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	c, root := newTestRoot(t, outlet)

	require.NoError(t, root.Emit(7))
	c.Await(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{7}, got)
}

func TestChildEmitAggregatesToRootOutlet(t *testing.T) {
	var mu sync.Mutex
	var got []int
	outlet := pipe.Sink(func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	c, root := newTestRoot(t, outlet)
	reg := name.NewRegistry()

	child := root.Percept(reg.MustParse("child"))
	require.NoError(t, child.Emit(3))
	c.Await(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3}, got)
}

func TestPerceptPoolsChildByName(t *testing.T) {
	_, root := newTestRoot(t, pipe.Discard[int]())
	reg := name.NewRegistry()
	n := reg.MustParse("x")

	a := root.Percept(n)
	b := root.Percept(n)
	assert.Same(t, a, b)

	got, ok := root.Child(n)
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestDeepCellChainAggregatesWithoutStackOverflow(t *testing.T) {
	var mu sync.Mutex
	var got []int
	outlet := pipe.Sink(func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	c, root := newTestRoot(t, outlet)
	reg := name.NewRegistry()

	const depth = 500
	leaf := root
	for i := 0; i < depth; i++ {
		leaf = leaf.Percept(reg.MustParse(fmt.Sprintf("level%d", i)))
	}

	require.NoError(t, leaf.Emit(42))

	done := make(chan struct{})
	go func() {
		c.Await(func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deep cell chain never settled")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{42}, got)
}
