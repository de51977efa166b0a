package tracker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	network *p2p.Network
	tracker Tracker
	done    chan error
}

func startTracker(t *testing.T, peers int) *harness {
	t.Helper()
	network := p2p.NewNetwork(peers + 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:       t,
		network: network,
		tracker: NewTracker(network.Endpoint(models.TrackerRank), models.DefaultLimits(), logger),
		done:    make(chan error, 1),
	}
	go func() {
		h.done <- h.tracker.Run(context.Background())
	}()
	t.Cleanup(network.Close)
	return h
}

func (h *harness) send(from int, ch p2p.Channel, f models.Frame) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(h.t, h.network.Endpoint(from).Send(ctx, models.TrackerRank, ch, f))
}

func (h *harness) recv(rank int, ch p2p.Channel) models.Frame {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, from, err := h.network.Endpoint(rank).Recv(ctx, models.TrackerRank, ch)
	require.NoError(h.t, err)
	assert.Equal(h.t, models.TrackerRank, from)
	return f
}

func (h *harness) register(rank int, files ...models.FileDescriptor) {
	h.send(rank, p2p.Data, models.Frame{Command: models.CommandRegister, Files: files})
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("tracker did not terminate")
	}
}

func (h *harness) terminateAll(peers int) {
	for rank := 1; rank <= peers; rank++ {
		h.send(rank, p2p.Control, models.Frame{Command: models.CommandTerminate})
	}
	h.wait()
	for rank := 1; rank <= peers; rank++ {
		assert.Equal(h.t, models.CommandTerminate, h.recv(rank, p2p.Control).Command)
	}
}

func TestTrackerServesSwarmView(t *testing.T) {
	h := startTracker(t, 2)
	hashes := []string{hash("a"), hash("b"), hash("c")}
	h.register(1, descriptor(1, hashes...))
	h.register(2)
	assert.Equal(t, models.CommandAck, h.recv(1, p2p.Data).Command)
	assert.Equal(t, models.CommandAck, h.recv(2, p2p.Data).Command)

	h.send(2, p2p.Control, models.Frame{Command: models.CommandRequest, FileID: 1})
	header := h.recv(2, p2p.Data)
	assert.Equal(t, models.CommandRequest, header.Command)
	assert.Equal(t, 3, header.Count)
	for i, want := range hashes {
		f := h.recv(2, p2p.Data)
		assert.Equal(t, models.CommandSegment, f.Command)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 1, f.Peer)
		assert.Equal(t, want, f.Hash)
	}
	assert.Equal(t, models.CommandEndOfMessage, h.recv(2, p2p.Data).Command)

	h.send(2, p2p.Control, models.Frame{Command: models.CommandFinish, FileID: 1})
	h.terminateAll(2)

	report := h.tracker.Report()
	assert.Equal(t, StateTerminated, report.State)
	require.Len(t, report.Files, 1)
	assert.Equal(t, []int{1, 2}, report.Files[0].Seeds)
	assert.Equal(t, hashes, report.Files[0].Records[2])
}

func TestTrackerRequestWithoutHolders(t *testing.T) {
	h := startTracker(t, 1)
	h.register(1)
	h.recv(1, p2p.Data)

	for _, fileID := range []int{4, 0, 42} {
		h.send(1, p2p.Control, models.Frame{Command: models.CommandRequest, FileID: fileID})
		assert.Equal(t, models.CommandEndOfMessage, h.recv(1, p2p.Data).Command)
	}
	h.terminateAll(1)
}

func TestTrackerWaitsForFullRegistration(t *testing.T) {
	h := startTracker(t, 2)
	h.register(1, descriptor(1, hash("a"), "broken"))
	h.register(2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := h.network.Endpoint(2).Recv(ctx, models.TrackerRank, p2p.Data)
	assert.Equal(t, context.DeadlineExceeded, err)

	h.register(1, descriptor(1, hash("a"), hash("b")))
	assert.Equal(t, models.CommandAck, h.recv(1, p2p.Data).Command)
	assert.Equal(t, models.CommandAck, h.recv(2, p2p.Data).Command)
	h.terminateAll(2)

	report := h.tracker.Report()
	assert.Equal(t, []int{1, 2}, report.Registered)
	assert.Equal(t, []int{1}, report.Files[0].Seeds)
}

func TestTrackerUpdateAndFinish(t *testing.T) {
	h := startTracker(t, 2)
	h.register(1, descriptor(1, hash("a"), hash("b")))
	h.register(2)
	h.recv(1, p2p.Data)
	h.recv(2, p2p.Data)

	// FINISH for a file without any seed must not promote the peer.
	h.send(2, p2p.Control, models.Frame{Command: models.CommandFinish, FileID: 3})

	for i := 0; i < 2; i++ {
		h.send(2, p2p.Control, models.Frame{Command: models.CommandUpdate})
		h.send(2, p2p.Data, models.Frame{Command: models.CommandSegment, FileID: 1, Index: 1, Hash: hash("b")})
		h.send(2, p2p.Data, models.Frame{Command: models.CommandSegment, FileID: 1, Index: 7, Hash: hash("b")})
		h.send(2, p2p.Data, models.Frame{Command: models.CommandEndOfMessage})
	}

	h.send(1, p2p.Control, models.Frame{Command: models.CommandRequest, FileID: 1})
	assert.Equal(t, 2, h.recv(1, p2p.Data).Count)
	f := h.recv(1, p2p.Data)
	assert.Equal(t, models.CommandSegment, f.Command)
	assert.Equal(t, 2, f.Peer)
	assert.Equal(t, 1, f.Index)
	assert.Equal(t, models.CommandEndOfMessage, h.recv(1, p2p.Data).Command)

	h.terminateAll(2)
	report := h.tracker.Report()
	require.Len(t, report.Files, 1)
	assert.Equal(t, 1, report.Files[0].FileID)
	assert.Equal(t, []int{1, 2}, report.Files[0].Swarm)
	assert.Equal(t, []int{1}, report.Files[0].Seeds)
	assert.Equal(t, []string{"", hash("b")}, report.Files[0].Records[2])
}

func TestTrackerTermination(t *testing.T) {
	h := startTracker(t, 3)
	for rank := 1; rank <= 3; rank++ {
		h.register(rank)
	}
	for rank := 1; rank <= 3; rank++ {
		h.recv(rank, p2p.Data)
	}

	// a second TERMINATE from the same peer is not counted
	h.send(1, p2p.Control, models.Frame{Command: models.CommandTerminate})
	h.send(1, p2p.Control, models.Frame{Command: models.CommandTerminate})
	h.send(2, p2p.Control, models.Frame{Command: models.CommandTerminate})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := h.network.Endpoint(1).Recv(ctx, models.TrackerRank, p2p.Control)
	assert.Equal(t, context.DeadlineExceeded, err)

	h.send(3, p2p.Control, models.Frame{Command: models.CommandTerminate})
	h.wait()

	report := h.tracker.Report()
	assert.Equal(t, 3, report.Peers)
	assert.Equal(t, 3, report.Terminations)
	assert.Equal(t, []int{1, 2, 3}, report.Broadcast)
	assert.True(t, report.Released)
	assert.Equal(t, 0, report.ReleaseErrors)
	for rank := 1; rank <= 3; rank++ {
		assert.Equal(t, models.CommandTerminate, h.recv(rank, p2p.Control).Command)
	}
}
