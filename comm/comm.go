// Package comm moves float32 buffers between the ranks of a training job.
//
// Rank 0 is the coordinator and ranks 1..Size()-1 are workers. Every call
// blocks: Send until the message is buffered, Recv until a matching message
// arrives, Bcast until this rank's part of the broadcast is done. Messages
// are always copied, so ranks never share memory.
package comm

import (
	"github.com/pkg/errors"
)

// Tag identifies the kind of a point-to-point message.
type Tag int

// bcastTag is reserved for broadcasts and never used by callers.
const bcastTag Tag = -1

var (
	ErrClosed   = errors.New("communicator closed")
	ErrBadRank  = errors.New("rank out of range")
	ErrBadShape = errors.New("message length mismatch")
)

// Comm is one rank's endpoint into the group.
type Comm interface {
	Rank() int
	Size() int
	Send(dst int, tag Tag, data []float32) error
	Recv(src int, tag Tag, data []float32) error
	Bcast(root int, data []float32) error
	Close() error
}

type pointToPoint interface {
	Rank() int
	Size() int
	Send(dst int, tag Tag, data []float32) error
	Recv(src int, tag Tag, data []float32) error
}

// bcastLinear broadcasts from root by sending to every other rank in turn.
func bcastLinear(c pointToPoint, root int, data []float32) error {
	if root < 0 || root >= c.Size() {
		return errors.Wrapf(ErrBadRank, "broadcast root %d of %d", root, c.Size())
	}
	if c.Rank() != root {
		return c.Recv(root, bcastTag, data)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(r, bcastTag, data); err != nil {
			return errors.Wrapf(err, "broadcast to rank %d", r)
		}
	}
	return nil
}

func checkPeer(self, peer, size int) error {
	if peer < 0 || peer >= size || peer == self {
		return errors.Wrapf(ErrBadRank, "rank %d cannot address rank %d of %d", self, peer, size)
	}
	return nil
}

func deliver(dst, msg []float32, src int, tag Tag) error {
	if len(msg) != len(dst) {
		return errors.Wrapf(ErrBadShape, "message %d from rank %d holds %d values, expected %d", tag, src, len(msg), len(dst))
	}
	copy(dst, msg)
	return nil
}
