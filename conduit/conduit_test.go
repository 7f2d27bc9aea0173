package conduit_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/substrates/channel"
	"code.hybscloud.com/substrates/circuit"
	"code.hybscloud.com/substrates/conduit"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/pipe"
	"code.hybscloud.com/substrates/subject"
)

// inlineCircuit runs every job synchronously on the calling goroutine,
// standing in for a real circuit.Circuit in tests that don't need actual
// cross-goroutine dispatch.
type inlineCircuit struct{}

func (inlineCircuit) Enqueue(work func() error) { _ = work() }
func (inlineCircuit) Await(work func() error)   { _ = work() }
func (inlineCircuit) Fingerprint() uint64       { return 1 }

func newTestConduit(t *testing.T, compose conduit.Composer[string, int]) *conduit.Conduit[string, int] {
	t.Helper()
	reg := name.NewRegistry()
	subj := subject.New[conduit.Conduit[string, int]](subject.ID{}, reg.MustParse("test.conduit"), "conduit", nil)
	return conduit.New[string, int](subj, inlineCircuit{}, compose, nil)
}

func TestPerceptInvokesComposerExactlyOnce(t *testing.T) {
	calls := 0
	c := newTestConduit(t, func(ch *channel.Channel[int]) (string, error) {
		calls++
		return "percept", nil
	})
	reg := name.NewRegistry()
	n := reg.MustParse("x")

	p1, err := c.Percept(n)
	require.NoError(t, err)
	p2, err := c.Percept(n)
	require.NoError(t, err)

	assert.Equal(t, "percept", p1)
	assert.Equal(t, "percept", p2)
	assert.Equal(t, 1, calls)
}

func TestPerceptDistinctNamesGetDistinctChannels(t *testing.T) {
	c := newTestConduit(t, func(ch *channel.Channel[int]) (string, error) {
		return ch.Subject().Name().Path(), nil
	})
	reg := name.NewRegistry()
	a, err := c.Percept(reg.MustParse("a"))
	require.NoError(t, err)
	b, err := c.Percept(reg.MustParse("b"))
	require.NoError(t, err)

	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
}

func TestFailedComposerDoesNotCache(t *testing.T) {
	calls := 0
	c := newTestConduit(t, func(ch *channel.Channel[int]) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	reg := name.NewRegistry()
	n := reg.MustParse("x")

	_, err := c.Percept(n)
	assert.Error(t, err)

	p, err := c.Percept(n)
	require.NoError(t, err)
	assert.Equal(t, "ok", p)
	assert.Equal(t, 2, calls)
}

func TestSubscribeDeliversOnFirstEmissionAfterRegistration(t *testing.T) {
	var got []int
	c := newTestConduit(t, func(ch *channel.Channel[int]) (string, error) { return "p", nil })
	reg := name.NewRegistry()
	n := reg.MustParse("x")

	_, err := c.Percept(n)
	require.NoError(t, err)
	ch, ok := c.Channel(n)
	require.True(t, ok)

	calls := 0
	c.Subscribe(func(subj *subject.Subject[channel.Channel[int]], r *channel.Registrar[int]) error {
		calls++
		r.Pipe(pipe.Sink(func(v int) error { got = append(got, v); return nil }))
		return nil
	})

	require.NoError(t, ch.Pipe().Emit(7))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{7}, got)
}

func TestSubscriberCallbackErrorReachesCircuitHandler(t *testing.T) {
	var reportedErr error
	reg := name.NewRegistry()
	circSubj := subject.New[circuit.Circuit](subject.ID{}, reg.MustParse("test.conduit.circuit"), "circuit", nil)
	circ := circuit.New(circSubj, 64, 64, func(n *name.Name, err error) { reportedErr = err })
	t.Cleanup(func() { _ = circ.Close() })

	subj := subject.New[conduit.Conduit[string, int]](subject.ID{}, reg.MustParse("test.conduit.failing"), "conduit", nil)
	c := conduit.New[string, int](subj, circ, func(ch *channel.Channel[int]) (string, error) { return "p", nil }, nil)

	n := reg.MustParse("x")
	_, err := c.Percept(n)
	require.NoError(t, err)
	ch, ok := c.Channel(n)
	require.True(t, ok)

	c.Subscribe(func(subj *subject.Subject[channel.Channel[int]], r *channel.Registrar[int]) error {
		return errors.New("subscriber setup failed")
	})

	require.NoError(t, ch.Pipe().Emit(1))

	var ran bool
	circ.Await(func() error { ran = true; return nil })
	require.True(t, ran)

	require.Error(t, reportedErr)
	assert.Equal(t, uint64(1), circ.FailureCount())
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	var got []int
	c := newTestConduit(t, func(ch *channel.Channel[int]) (string, error) { return "p", nil })
	reg := name.NewRegistry()
	n := reg.MustParse("x")

	_, err := c.Percept(n)
	require.NoError(t, err)
	ch, _ := c.Channel(n)

	sub := c.Subscribe(func(subj *subject.Subject[channel.Channel[int]], r *channel.Registrar[int]) error {
		r.Pipe(pipe.Sink(func(v int) error { got = append(got, v); return nil }))
		return nil
	})
	require.NoError(t, ch.Pipe().Emit(1))
	require.NoError(t, sub.Close())
	require.NoError(t, ch.Pipe().Emit(2))

	assert.Equal(t, []int{1}, got)
}
