package circuit

import "code.hybscloud.com/substrates/pipe"

// Pipe returns a Pipe[E] that, on Emit, re-enqueues a call to
// target.Emit(value) onto c rather than calling it in the same stack
// frame. This is the "async-pipe" constructor spec.md §9's "Cyclic pipe
// graphs" calls for: a direct Pipe chain cannot cycle (each Emit calls
// the next synchronously, so a cycle recurses forever), but one hop
// through an async-pipe breaks the cycle into successive worker-loop
// iterations, the same mechanism Cell's hub uses internally.
func Pipe[E any](c *Circuit, target pipe.Pipe[E]) pipe.Pipe[E] {
	return &asyncPipe[E]{c: c, target: target}
}

type asyncPipe[E any] struct {
	c      *Circuit
	target pipe.Pipe[E]
}

func (p *asyncPipe[E]) Emit(v E) error {
	p.c.Enqueue(func() error { return p.target.Emit(v) })
	return nil
}

func (p *asyncPipe[E]) Flush() error { return nil }
