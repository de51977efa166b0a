package p2p

import (
	"context"

	"github.com/WendelHime/segswarm/internal/decoder"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
)

// Network connects a fixed number of in-process endpoints. Frames are encoded
// on send and decoded on receive exactly as over TCP.
type Network struct {
	codec decoder.FrameCodec
	boxes []*mailbox
}

func NewNetwork(size int) *Network {
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	return &Network{codec: decoder.NewFrameCodec(), boxes: boxes}
}

func (n *Network) Size() int {
	return len(n.boxes)
}

func (n *Network) Endpoint(rank int) Endpoint {
	return &memEndpoint{network: n, rank: rank}
}

// Close shuts every endpoint; pending receives return ErrClosed.
func (n *Network) Close() {
	for _, box := range n.boxes {
		box.close()
	}
}

type memEndpoint struct {
	network *Network
	rank    int
}

func (e *memEndpoint) Rank() int {
	return e.rank
}

func (e *memEndpoint) Size() int {
	return e.network.Size()
}

func (e *memEndpoint) Send(ctx context.Context, to int, ch Channel, f models.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRoute(e.Size(), to, ch); err != nil {
		return err
	}
	body, err := e.network.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := e.network.boxes[to].put(ch, envelope{from: e.rank, body: body}); err != nil {
		return errors.Wrapf(err, "send %s to %d", f.Command, to)
	}
	return nil
}

func (e *memEndpoint) Recv(ctx context.Context, from int, ch Channel) (models.Frame, int, error) {
	if from != AnySource {
		if err := checkRoute(e.Size(), from, ch); err != nil {
			return models.Frame{}, 0, err
		}
	}
	env, err := e.network.boxes[e.rank].take(ctx, ch, from)
	if err != nil {
		return models.Frame{}, 0, err
	}
	f, err := e.network.codec.Decode(env.body)
	if err != nil {
		return models.Frame{}, env.from, err
	}
	return f, env.from, nil
}

func (e *memEndpoint) Close() error {
	e.network.boxes[e.rank].close()
	return nil
}
