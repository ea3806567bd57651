package comm

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// The TCP transport is a star: every worker holds one connection to the
// coordinator, and workers cannot address each other.

type hello struct {
	Rank, Size int
}

type welcome struct {
	RunID string
}

type frame struct {
	Tag  Tag
	Data []float32
}

type peer struct {
	conn   net.Conn
	enc    *gob.Encoder
	dec    *gob.Decoder
	sendMu sync.Mutex

	dead chan struct{}
	err  error
	once sync.Once
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
		dead: make(chan struct{}),
	}
}

func (p *peer) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.dead)
	})
}

// TCP is a Comm over gob-framed TCP connections.
type TCP struct {
	rank, size int
	runID      string
	listener   net.Listener
	peers      []*peer

	mu     sync.Mutex
	boxes  map[route]chan []float32
	closed chan struct{}
	once   sync.Once
}

func newTCP(rank, size int, runID string) *TCP {
	return &TCP{
		rank:   rank,
		size:   size,
		runID:  runID,
		peers:  make([]*peer, size),
		boxes:  make(map[route]chan []float32),
		closed: make(chan struct{}),
	}
}

// -------- CONSTRUCTORS ------- //

// Listen opens the coordinator endpoint on addr and waits for all workers.
func Listen(addr string, workers int, runID string) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return Accept(ln, workers, runID)
}

// Accept completes the handshake with workers ranks 1..workers on ln. The
// listener is owned by the returned TCP and closed with it.
func Accept(ln net.Listener, workers int, runID string) (*TCP, error) {
	c := newTCP(0, workers+1, runID)
	c.listener = ln

	for joined := 0; joined < workers; {
		conn, err := ln.Accept()
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "accepting worker")
		}
		p := newPeer(conn)

		var h hello
		if err := p.dec.Decode(&h); err != nil {
			conn.Close()
			c.Close()
			return nil, errors.Wrapf(err, "handshake with %s", conn.RemoteAddr())
		}
		if h.Size != c.size || h.Rank <= 0 || h.Rank >= c.size || c.peers[h.Rank] != nil {
			conn.Close()
			c.Close()
			return nil, errors.Wrapf(ErrBadRank, "worker %s announced rank %d of %d, group has %d ranks",
				conn.RemoteAddr(), h.Rank, h.Size, c.size)
		}
		if err := p.enc.Encode(welcome{RunID: runID}); err != nil {
			conn.Close()
			c.Close()
			return nil, errors.Wrapf(err, "handshake with rank %d", h.Rank)
		}
		c.peers[h.Rank] = p
		joined++
	}

	for r, p := range c.peers {
		if p != nil {
			go c.read(r, p)
		}
	}
	return c, nil
}

// Dial connects worker rank to the coordinator at addr, retrying until
// timeout while the coordinator is not yet listening.
func Dial(addr string, rank, size int, timeout time.Duration) (*TCP, error) {
	if rank <= 0 || rank >= size {
		return nil, errors.Wrapf(ErrBadRank, "worker rank %d of %d", rank, size)
	}

	deadline := time.Now().Add(timeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", addr, timeout)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing coordinator %s", addr)
	}

	p := newPeer(conn)
	if err := p.enc.Encode(hello{Rank: rank, Size: size}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	var w welcome
	if err := p.dec.Decode(&w); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "handshake")
	}

	c := newTCP(rank, size, w.RunID)
	c.peers[0] = p
	go c.read(0, p)
	return c, nil
}

// ------- COMM METHODS ------ //

func (c *TCP) Rank() int { return c.rank }
func (c *TCP) Size() int { return c.size }

// RunID is the identifier the coordinator handed out during the handshake.
func (c *TCP) RunID() string { return c.runID }

func (c *TCP) Send(dst int, tag Tag, data []float32) error {
	p, err := c.link(dst)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.enc.Encode(frame{Tag: tag, Data: data}); err != nil {
		p.fail(err)
		return errors.Wrapf(err, "send %d to rank %d", tag, dst)
	}
	return nil
}

func (c *TCP) Recv(src int, tag Tag, data []float32) error {
	p, err := c.link(src)
	if err != nil {
		return err
	}
	box := c.box(route{src, c.rank, tag})

	// Drain what arrived before a peer failure.
	select {
	case msg := <-box:
		return deliver(data, msg, src, tag)
	default:
	}
	select {
	case msg := <-box:
		return deliver(data, msg, src, tag)
	case <-p.dead:
		return errors.Wrapf(p.err, "recv %d from rank %d", tag, src)
	case <-c.closed:
		return errors.Wrapf(ErrClosed, "recv %d from rank %d", tag, src)
	}
}

func (c *TCP) Bcast(root int, data []float32) error {
	return bcastLinear(c, root, data)
}

func (c *TCP) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.listener != nil {
			c.listener.Close()
		}
		for _, p := range c.peers {
			if p != nil {
				p.conn.Close()
			}
		}
	})
	return nil
}

// ------ UTILITY FUNCTIONS ------

func (c *TCP) link(r int) (*peer, error) {
	if err := checkPeer(c.rank, r, c.size); err != nil {
		return nil, err
	}
	if c.peers[r] == nil {
		return nil, errors.Wrapf(ErrBadRank, "rank %d has no link to rank %d", c.rank, r)
	}
	return c.peers[r], nil
}

func (c *TCP) box(r route) chan []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.boxes[r]
	if !ok {
		b = make(chan []float32, mailboxDepth)
		c.boxes[r] = b
	}
	return b
}

// read demultiplexes the frames of one peer into per-tag mailboxes.
func (c *TCP) read(src int, p *peer) {
	for {
		var f frame
		if err := p.dec.Decode(&f); err != nil {
			p.fail(err)
			return
		}
		select {
		case c.box(route{src, c.rank, f.Tag}) <- f.Data:
		case <-c.closed:
			return
		}
	}
}
