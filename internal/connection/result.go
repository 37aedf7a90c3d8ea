package connection

import (
	"context"
	"sync"

	"github.com/user/agentlink/pkg/packet"
)

// result is a one-shot future for a single send. It settles exactly once,
// either with the written packet or with an error.
type result struct {
	once sync.Once
	done chan struct{}
	p    *packet.Packet
	err  error
}

func newResult() *result {
	return &result{done: make(chan struct{})}
}

func (r *result) resolve(p *packet.Packet) {
	r.once.Do(func() {
		r.p = p
		close(r.done)
	})
}

func (r *result) cancel(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *result) wait(ctx context.Context) (*packet.Packet, error) {
	select {
	case <-r.done:
		return r.p, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
