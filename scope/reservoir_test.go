package scope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/substrates/channel"
	"code.hybscloud.com/substrates/conduit"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/scope"
	"code.hybscloud.com/substrates/subject"
)

// inlineCircuit runs every job synchronously, standing in for a real
// circuit.Circuit the same way conduit's own tests do.
type inlineCircuit struct{}

func (inlineCircuit) Enqueue(work func() error) { _ = work() }
func (inlineCircuit) Await(work func() error)   { _ = work() }
func (inlineCircuit) Fingerprint() uint64       { return 1 }

func newTestConduitForReservoir(t *testing.T) *conduit.Conduit[string, int] {
	t.Helper()
	reg := name.NewRegistry()
	subj := subject.New[conduit.Conduit[string, int]](subject.ID{}, reg.MustParse("test.reservoir.conduit"), "conduit", nil)
	return conduit.New[string, int](subj, inlineCircuit{}, func(ch *channel.Channel[int]) (string, error) {
		return ch.Subject().Name().Path(), nil
	}, nil)
}

func newTestReservoir(t *testing.T, c *conduit.Conduit[string, int]) *scope.Reservoir[string, int] {
	t.Helper()
	reg := name.NewRegistry()
	subj := subject.New[scope.Reservoir[string, int]](subject.ID{}, reg.MustParse("test.reservoir"), "reservoir", nil)
	return scope.NewReservoir[string, int](subj, c, 16)
}

func TestReservoirCapturesEmissionsWithChannelSubject(t *testing.T) {
	c := newTestConduitForReservoir(t)
	r := newTestReservoir(t, c)

	reg := name.NewRegistry()
	_, err := c.Percept(reg.MustParse("x"))
	require.NoError(t, err)
	ch, ok := c.Channel(reg.MustParse("x"))
	require.True(t, ok)

	require.NoError(t, ch.Pipe().Emit(10))
	require.NoError(t, ch.Pipe().Emit(20))

	var got []int
	var names []string
	for capture := range r.Drain() {
		got = append(got, capture.Emission)
		names = append(names, capture.Subject.Name().Path())
	}
	assert.Equal(t, []int{10, 20}, got)
	assert.Equal(t, []string{"x", "x"}, names)
}

func TestReservoirDrainIsRestartableAndSwapsOnEachCall(t *testing.T) {
	c := newTestConduitForReservoir(t)
	r := newTestReservoir(t, c)

	reg := name.NewRegistry()
	_, err := c.Percept(reg.MustParse("x"))
	require.NoError(t, err)
	ch, _ := c.Channel(reg.MustParse("x"))
	require.NoError(t, ch.Pipe().Emit(1))

	first := r.Drain()
	var a, b []int
	for capture := range first {
		a = append(a, capture.Emission)
	}
	for capture := range first {
		b = append(b, capture.Emission)
	}
	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1}, b, "the same returned sequence must be re-iterable")

	require.NoError(t, ch.Pipe().Emit(2))
	var c2 []int
	for capture := range r.Drain() {
		c2 = append(c2, capture.Emission)
	}
	assert.Equal(t, []int{2}, c2, "a later Drain only sees captures since the previous swap")
}

func TestReservoirCloseDetachesSubscription(t *testing.T) {
	c := newTestConduitForReservoir(t)
	r := newTestReservoir(t, c)

	reg := name.NewRegistry()
	_, err := c.Percept(reg.MustParse("x"))
	require.NoError(t, err)
	ch, _ := c.Channel(reg.MustParse("x"))

	require.NoError(t, ch.Pipe().Emit(1))
	require.NoError(t, r.Close())
	require.NoError(t, ch.Pipe().Emit(2))

	var got []int
	for capture := range r.Drain() {
		got = append(got, capture.Emission)
	}
	assert.Equal(t, []int{1}, got)
}
