package circuit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/substrates/circuit"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/subject"
)

func newTestCircuit(t *testing.T, handler circuit.Handler) *circuit.Circuit {
	t.Helper()
	reg := name.NewRegistry()
	subj := subject.New[circuit.Circuit](subject.ID{}, reg.MustParse("test.circuit"), "circuit", nil)
	c := circuit.New(subj, 64, 64, handler)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAwaitRunsWorkOnWorkerAndBlocksUntilDone(t *testing.T) {
	c := newTestCircuit(t, nil)
	var ran bool
	c.Await(func() error { ran = true; return nil })
	assert.True(t, ran)
}

func TestEnqueueDeliversEventually(t *testing.T) {
	c := newTestCircuit(t, nil)
	done := make(chan struct{})
	c.Enqueue(func() error { close(done); return nil })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueued work never ran")
	}
}

func TestAcceptanceOrderingFromSingleThread(t *testing.T) {
	c := newTestCircuit(t, nil)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		v := i
		c.Enqueue(func() error {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			return nil
		})
	}
	c.Await(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestCascadingPriorityDrainsTransitBeforeNextIngress(t *testing.T) {
	c := newTestCircuit(t, nil)
	var mu sync.Mutex
	var log []string

	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}

	// Simulates "subscriber on A emits to B": processing ingress item X
	// cascades a transit item before the next ingress item runs.
	c.Enqueue(func() error {
		record("A1")
		c.Enqueue(func() error { record("B(from 1)"); return nil }) // runs on worker -> transit
		return nil
	})
	c.Enqueue(func() error {
		record("A2")
		c.Enqueue(func() error { record("B(from 2)"); return nil })
		return nil
	})
	c.Await(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A1", "B(from 1)", "A2", "B(from 2)"}, log)
}

func TestAwaitFromWorkerGoroutinePanics(t *testing.T) {
	c := newTestCircuit(t, nil)
	// The inner Await runs on the worker, so the panic is observed there;
	// execute would otherwise recover it before the outer Await returns.
	c.Await(func() error {
		assert.Panics(t, func() {
			c.Await(func() error { return nil })
		})
		return nil
	})
}

func TestUserCallbackPanicIsReportedAndDoesNotCorruptWorker(t *testing.T) {
	var reportedErr error
	c := newTestCircuit(t, func(n *name.Name, err error) { reportedErr = err })

	c.Enqueue(func() error { panic("boom") })

	var ran bool
	c.Await(func() error { ran = true; return nil })

	assert.True(t, ran)
	require.Error(t, reportedErr)
	assert.Equal(t, uint64(1), c.FailureCount())
}

func TestUserCallbackReturnedErrorIsReportedAndDoesNotCorruptWorker(t *testing.T) {
	var reportedErr error
	c := newTestCircuit(t, func(n *name.Name, err error) { reportedErr = err })

	c.Enqueue(func() error { return errors.New("boom") })

	var ran bool
	c.Await(func() error { ran = true; return nil })

	assert.True(t, ran)
	require.Error(t, reportedErr)
	assert.Equal(t, uint64(1), c.FailureCount())
}

func TestCloseIsIdempotentAndAwaitReturnsImmediatelyAfter(t *testing.T) {
	reg := name.NewRegistry()
	subj := subject.New[circuit.Circuit](subject.ID{}, reg.MustParse("test.circuit2"), "circuit", nil)
	c := circuit.New(subj, 8, 8, nil)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	done := make(chan struct{})
	go func() {
		c.Await(func() error { t.Error("work must not run after close"); return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return promptly after close")
	}
}
