package cluster

import (
	"context"
	"io"
	"log/slog"

	"github.com/WendelHime/segswarm/internal/config"
	"github.com/WendelHime/segswarm/internal/logic"
	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/WendelHime/segswarm/internal/storage"
	"github.com/WendelHime/segswarm/internal/store"
	"github.com/WendelHime/segswarm/internal/tracker"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Result collects the reports of every node of a run.
type Result struct {
	Tracker tracker.Report
	Peers   []logic.Report
}

type Option func(*runner)

// WithPeerOptions applies extra options to the peer of the given rank.
func WithPeerOptions(rank int, opts ...logic.Option) Option {
	return func(r *runner) {
		r.peerOpts[rank] = append(r.peerOpts[rank], opts...)
	}
}

// WithProgress renders download progress of every peer on w.
func WithProgress(w io.Writer) Option {
	return func(r *runner) {
		r.progress = w
	}
}

type runner struct {
	cfg      config.Config
	source   storage.Source
	sink     logic.Sink
	log      *slog.Logger
	peerOpts map[int][]logic.Option
	progress io.Writer
}

func newRunner(cfg config.Config, source storage.Source, sink logic.Sink, logger *slog.Logger, opts []Option) *runner {
	r := &runner{cfg: cfg, source: source, sink: sink, log: logger, peerOpts: make(map[int][]logic.Option)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *runner) newPeer(ep p2p.Endpoint) (logic.Peer, error) {
	input, err := r.source.Load(ep.Rank())
	if err != nil {
		return nil, err
	}
	s, err := store.Load(input, r.cfg.Limits)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid input of rank %d", ep.Rank())
	}
	opts := r.peerOpts[ep.Rank()]
	if r.progress != nil {
		opts = append([]logic.Option{logic.WithProgress(r.progress)}, opts...)
	}
	return logic.NewPeer(ep, s, r.sink, r.cfg.Download, r.log, opts...), nil
}

// Run plays a whole swarm in process: the tracker and cfg.Network.Peers peers
// over an in-memory network. The first failing node cancels the others.
func Run(ctx context.Context, cfg config.Config, source storage.Source, sink logic.Sink, logger *slog.Logger, opts ...Option) (Result, error) {
	r := newRunner(cfg, source, sink, logger, opts)
	network := p2p.NewNetwork(cfg.Nodes())
	defer network.Close()

	t := tracker.NewTracker(network.Endpoint(models.TrackerRank), cfg.Limits, logger)
	peers := make([]logic.Peer, 0, network.Size()-1)
	for rank := 1; rank < network.Size(); rank++ {
		p, err := r.newPeer(network.Endpoint(rank))
		if err != nil {
			return Result{}, err
		}
		peers = append(peers, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(t.Run(gctx), "tracker")
	})
	for i, p := range peers {
		rank, p := i+1, p
		g.Go(func() error {
			return errors.Wrapf(p.Run(gctx), "peer %d", rank)
		})
	}
	err := g.Wait()

	result := Result{Tracker: t.Report(), Peers: make([]logic.Report, 0, len(peers))}
	for _, p := range peers {
		result.Peers = append(result.Peers, p.Report())
	}
	return result, err
}

// RunNode plays a single rank over TCP, rank 0 being the tracker.
func RunNode(ctx context.Context, cfg config.Config, rank int, source storage.Source, sink logic.Sink, logger *slog.Logger, opts ...Option) (Result, error) {
	r := newRunner(cfg, source, sink, logger, opts)
	ep, err := p2p.ListenTCP(rank, cfg.Network.Addresses)
	if err != nil {
		return Result{}, err
	}
	defer ep.Close()

	if rank == models.TrackerRank {
		t := tracker.NewTracker(ep, cfg.Limits, logger)
		err := t.Run(ctx)
		return Result{Tracker: t.Report()}, err
	}

	p, err := r.newPeer(ep)
	if err != nil {
		return Result{}, err
	}
	err = p.Run(ctx)
	return Result{Peers: []logic.Report{p.Report()}}, err
}
