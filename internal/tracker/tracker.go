package tracker

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

type State int

const (
	StateInit State = iota
	StateReady
	StateServing
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateServing:
		return "SERVING"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Report describes what a tracker run did. Files is captured right before the
// registry is released.
type Report struct {
	State         State
	Peers         int
	Registered    []int
	Terminations  int
	Broadcast     []int
	Released      bool
	ReleaseErrors int
	Files         []models.SwarmSummary
}

type Tracker interface {
	// Run drives the tracker from registration to shutdown. It returns only
	// transport failures; malformed input and protocol violations are logged.
	Run(ctx context.Context) error
	Report() Report
}

type tracker struct {
	ep         p2p.Endpoint
	registry   *Registry
	limits     models.Limits
	log        *slog.Logger
	peers      int
	active     mapset.Set[int]
	registered mapset.Set[int]
	report     Report
}

// NewTracker serves every other rank of the endpoint's network as a peer.
func NewTracker(ep p2p.Endpoint, limits models.Limits, logger *slog.Logger) Tracker {
	return &tracker{
		ep:         ep,
		registry:   NewRegistry(limits),
		limits:     limits,
		log:        logger.With(slog.Int("rank", ep.Rank())),
		peers:      ep.Size() - 1,
		active:     mapset.NewThreadUnsafeSet[int](),
		registered: mapset.NewThreadUnsafeSet[int](),
		report:     Report{State: StateInit, Peers: ep.Size() - 1},
	}
}

func (t *tracker) Report() Report {
	return t.report
}

func (t *tracker) Run(ctx context.Context) error {
	t.log.Info("waiting for registrations", slog.Int("peers", t.peers))
	if err := t.collectRegistrations(ctx); err != nil {
		return err
	}
	t.report.Registered = sorted(t.registered)

	t.report.State = StateReady
	t.log.Info("all peers registered, sending start signal")
	if _, err := t.broadcast(ctx, p2p.Data, models.CommandAck); err != nil {
		return err
	}

	t.report.State = StateServing
	if err := t.serve(ctx); err != nil {
		return err
	}

	t.report.State = StateDraining
	t.log.Info("all peers done, shutting down swarm")
	if err := t.drain(ctx); err != nil {
		return err
	}

	t.report.State = StateTerminated
	return nil
}

func (t *tracker) collectRegistrations(ctx context.Context) error {
	for t.registered.Cardinality() < t.peers {
		f, sender, err := t.ep.Recv(ctx, p2p.AnySource, p2p.Data)
		if err != nil {
			return errors.Wrap(err, "failed to receive registration")
		}
		if f.Command != models.CommandRegister {
			t.log.Warn("unexpected frame during registration", slog.Int("sender", sender), slog.String("command", f.Command.String()))
			continue
		}
		if len(f.Files) > t.limits.MaxFiles {
			t.log.Error("too many files in registration", slog.Int("sender", sender), slog.Int("files", len(f.Files)))
			continue
		}

		processed := 0
		for _, desc := range f.Files {
			if err := t.registry.Register(sender, desc); err != nil {
				t.log.Error("failed to register file", slog.Int("sender", sender), slog.Int("file", desc.FileID), slog.Any("error", err))
				continue
			}
			processed++
		}

		if processed != len(f.Files) {
			t.log.Error("partial registration, waiting for the peer to register again",
				slog.Int("sender", sender), slog.Int("processed", processed), slog.Int("files", len(f.Files)))
			continue
		}
		if !t.registered.Add(sender) {
			t.log.Warn("peer registered twice", slog.Int("sender", sender))
			continue
		}
		t.log.Info("peer registered", slog.Int("sender", sender), slog.Int("files", processed))
	}
	return nil
}

func (t *tracker) broadcast(ctx context.Context, ch p2p.Channel, cmd models.Command) ([]int, error) {
	sent := make([]int, 0, t.peers)
	for rank := 0; rank < t.ep.Size(); rank++ {
		if rank == t.ep.Rank() {
			continue
		}
		if err := t.ep.Send(ctx, rank, ch, models.Frame{Command: cmd}); err != nil {
			return sent, errors.Wrapf(err, "failed to broadcast %s", cmd)
		}
		sent = append(sent, rank)
	}
	return sent, nil
}

func (t *tracker) serve(ctx context.Context) error {
	for _, rank := range sorted(t.registered) {
		t.active.Add(rank)
	}

	for t.active.Cardinality() > 0 {
		f, sender, err := t.ep.Recv(ctx, p2p.AnySource, p2p.Control)
		if err != nil {
			return errors.Wrap(err, "failed to receive command")
		}

		switch f.Command {
		case models.CommandRequest:
			err = t.handleRequest(ctx, sender, f.FileID)
		case models.CommandUpdate:
			err = t.handleUpdate(ctx, sender)
		case models.CommandFinish:
			t.handleFinish(sender, f.FileID)
		case models.CommandTerminate:
			if !t.active.Contains(sender) {
				t.log.Warn("terminate from inactive peer", slog.Int("sender", sender))
				continue
			}
			t.active.Remove(sender)
			t.report.Terminations++
			t.log.Info("peer finished", slog.Int("sender", sender), slog.Int("active", t.active.Cardinality()))
		default:
			t.log.Warn("unknown command", slog.Int("sender", sender), slog.String("command", f.Command.String()))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) handleRequest(ctx context.Context, sender, fileID int) error {
	end := models.Frame{Command: models.CommandEndOfMessage, FileID: fileID}
	if err := t.limits.CheckFile(fileID); err != nil {
		t.log.Error("invalid request", slog.Int("sender", sender), slog.Any("error", err))
		return t.ep.Send(ctx, sender, p2p.Data, end)
	}

	count, ok := t.registry.SegmentCount(fileID)
	if !ok {
		t.log.Debug("request for a file nobody holds", slog.Int("sender", sender), slog.Int("file", fileID))
		return t.ep.Send(ctx, sender, p2p.Data, end)
	}

	header := models.Frame{Command: models.CommandRequest, FileID: fileID, Count: count}
	if err := t.ep.Send(ctx, sender, p2p.Data, header); err != nil {
		return err
	}
	entries := t.registry.Entries(fileID, sender)
	for _, e := range entries {
		f := models.Frame{Command: models.CommandSegment, FileID: fileID, Index: e.Index, Peer: e.Holder, Hash: e.Hash}
		if err := t.ep.Send(ctx, sender, p2p.Data, f); err != nil {
			return err
		}
	}
	t.log.Debug("served swarm view", slog.Int("sender", sender), slog.Int("file", fileID), slog.Int("entries", len(entries)))
	return t.ep.Send(ctx, sender, p2p.Data, end)
}

func (t *tracker) handleUpdate(ctx context.Context, sender int) error {
	applied := 0
	for {
		f, _, err := t.ep.Recv(ctx, sender, p2p.Data)
		if err != nil {
			return errors.Wrapf(err, "failed to receive update from %d", sender)
		}
		switch f.Command {
		case models.CommandEndOfMessage:
			t.log.Debug("update applied", slog.Int("sender", sender), slog.Int("segments", applied))
			return nil
		case models.CommandSegment:
			if err := t.registry.Update(sender, f.FileID, f.Index, f.Hash); err != nil {
				t.log.Error("invalid update", slog.Int("sender", sender), slog.Int("file", f.FileID), slog.Int("segment", f.Index), slog.Any("error", err))
				continue
			}
			applied++
		default:
			t.log.Warn("unexpected frame in update", slog.Int("sender", sender), slog.String("command", f.Command.String()))
		}
	}
}

func (t *tracker) handleFinish(sender, fileID int) {
	if err := t.registry.Finish(sender, fileID); err != nil {
		t.log.Error("finish rejected, peer not promoted", slog.Int("sender", sender), slog.Int("file", fileID), slog.Any("error", err))
		return
	}
	t.log.Info("peer promoted to seed", slog.Int("sender", sender), slog.Int("file", fileID))
}

func (t *tracker) drain(ctx context.Context) error {
	t.report.Files = t.registry.Summary()
	sent, err := t.broadcast(ctx, p2p.Control, models.CommandTerminate)
	t.report.Broadcast = sent
	if err != nil {
		return err
	}
	if err := t.registry.Release(); err != nil {
		t.report.ReleaseErrors++
		t.log.Error("failed to release registry", slog.Any("error", err))
	}
	t.report.Released = t.registry.Released()
	return nil
}
