package p2p

import (
	"context"
	"strconv"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
)

// Channel selects one of the two logical message paths a node receives on.
type Channel uint8

const (
	// Data carries payload belonging to the most recent command on a link.
	Data Channel = iota
	// Control carries command signals.
	Control

	channelCount
)

func (c Channel) String() string {
	switch c {
	case Data:
		return "data"
	case Control:
		return "control"
	default:
		return "Channel(" + strconv.Itoa(int(c)) + ")"
	}
}

// AnySource matches a message from any sender in Recv.
const AnySource = -1

var (
	ErrClosed         = errors.New("endpoint closed")
	ErrUnknownRank    = errors.New("unknown rank")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Endpoint is one node's attachment to the swarm network. Sends and receives
// may be issued concurrently from several goroutines. Frames from one sender
// on one channel are received in the order they were sent.
//
// Any error returned by Send or Recv, other than the context's own, is a
// transport failure.
type Endpoint interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, ch Channel, f models.Frame) error
	// Recv blocks until a frame from the given sender (or AnySource) is
	// available on ch and returns it together with the sender's rank.
	Recv(ctx context.Context, from int, ch Channel) (models.Frame, int, error)
	Close() error
}

func checkRoute(size, rank int, ch Channel) error {
	if rank < 0 || rank >= size {
		return errors.Wrapf(ErrUnknownRank, "rank %d outside 0..%d", rank, size-1)
	}
	if ch >= channelCount {
		return errors.Wrapf(ErrUnknownChannel, "%s", ch)
	}
	return nil
}
