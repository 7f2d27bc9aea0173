package circuit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"code.hybscloud.com/substrates/circuit"
	"code.hybscloud.com/substrates/pipe"
)

func TestAsyncPipeEnqueuesRatherThanCallsInline(t *testing.T) {
	c := newTestCircuit(t, nil)
	done := make(chan struct{})
	var ran bool
	target := pipe.Sink(func(v int) error {
		ran = true
		close(done)
		return nil
	})

	async := circuit.Pipe[int](c, target)
	require := assert.New(t)
	// Emitting from the worker puts the call on the transit queue, so the
	// target cannot run until this work item has returned.
	c.Await(func() error {
		require.NoError(async.Emit(5))
		require.False(ran, "Emit must return before target runs")
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async pipe never delivered")
	}
	require.True(ran)
}
