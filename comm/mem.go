package comm

import (
	"sync"

	"github.com/pkg/errors"
)

// mailboxDepth bounds how many messages of one (src, dst, tag) route can be
// buffered before Send blocks.
const mailboxDepth = 64

type route struct {
	src, dst int
	tag      Tag
}

// World connects ranks living in one process through channels. Each rank
// must be driven by its own goroutine.
type World struct {
	size   int
	mu     sync.Mutex
	boxes  map[route]chan []float32
	closed chan struct{}
	once   sync.Once
}

func NewWorld(size int) *World {
	return &World{
		size:   size,
		boxes:  make(map[route]chan []float32),
		closed: make(chan struct{}),
	}
}

// Comm returns the endpoint of one rank.
func (w *World) Comm(rank int) Comm {
	return &memComm{world: w, rank: rank}
}

// Close unblocks every pending and future call with ErrClosed.
func (w *World) Close() {
	w.once.Do(func() { close(w.closed) })
}

func (w *World) box(r route) chan []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.boxes[r]
	if !ok {
		b = make(chan []float32, mailboxDepth)
		w.boxes[r] = b
	}
	return b
}

type memComm struct {
	world *World
	rank  int
}

func (c *memComm) Rank() int { return c.rank }
func (c *memComm) Size() int { return c.world.size }

func (c *memComm) Send(dst int, tag Tag, data []float32) error {
	if err := checkPeer(c.rank, dst, c.world.size); err != nil {
		return err
	}
	msg := make([]float32, len(data))
	copy(msg, data)

	select {
	case <-c.world.closed:
		return errors.Wrapf(ErrClosed, "send %d to rank %d", tag, dst)
	default:
	}
	select {
	case c.world.box(route{c.rank, dst, tag}) <- msg:
		return nil
	case <-c.world.closed:
		return errors.Wrapf(ErrClosed, "send %d to rank %d", tag, dst)
	}
}

func (c *memComm) Recv(src int, tag Tag, data []float32) error {
	if err := checkPeer(c.rank, src, c.world.size); err != nil {
		return err
	}
	select {
	case msg := <-c.world.box(route{src, c.rank, tag}):
		return deliver(data, msg, src, tag)
	case <-c.world.closed:
		return errors.Wrapf(ErrClosed, "recv %d from rank %d", tag, src)
	}
}

func (c *memComm) Bcast(root int, data []float32) error {
	return bcastLinear(c, root, data)
}

// Close releases nothing; shut the World down to unblock its peers.
func (c *memComm) Close() error { return nil }
