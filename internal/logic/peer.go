package logic

import (
	"context"
	"io"
	"log/slog"

	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/WendelHime/segswarm/internal/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Report is what a peer did during one run.
type Report struct {
	Rank  int
	Files []FileReport
	Stats StatsSnapshot
}

type Peer interface {
	// Run registers with the tracker, waits for the start signal and then
	// runs the download and upload duties until the swarm shuts down.
	Run(ctx context.Context) error
	Report() Report
}

type Option func(*peer)

// WithServePolicy restricts which held segments the upload duty serves.
func WithServePolicy(policy ServePolicy) Option {
	return func(p *peer) {
		p.policy = policy
	}
}

// WithProgress renders a progress bar per wished file on w.
func WithProgress(w io.Writer) Option {
	return func(p *peer) {
		p.progress = w
	}
}

type peer struct {
	ep       p2p.Endpoint
	store    *store.Store
	sink     Sink
	cfg      DownloadConfig
	stats    *Stats
	policy   ServePolicy
	progress io.Writer
	logger   *slog.Logger
	log      *slog.Logger
	files    []FileReport
}

func NewPeer(ep p2p.Endpoint, s *store.Store, sink Sink, cfg DownloadConfig, logger *slog.Logger, opts ...Option) Peer {
	p := &peer{
		ep:     ep,
		store:  s,
		sink:   sink,
		cfg:    cfg,
		stats:  &Stats{},
		logger: logger,
		log:    logger.With(slog.Int("rank", ep.Rank())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *peer) Report() Report {
	return Report{Rank: p.ep.Rank(), Files: p.files, Stats: p.stats.Snapshot()}
}

func (p *peer) Run(ctx context.Context) error {
	if err := p.register(ctx); err != nil {
		return err
	}
	if err := p.awaitStart(ctx); err != nil {
		return err
	}

	downloader := NewDownloader(p.ep, p.store, p.sink, p.cfg, p.stats, p.progress, p.logger)
	uploader := NewUploader(p.ep, p.store, p.stats, p.policy, p.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := downloader.Run(gctx)
		p.files = files
		return err
	})
	g.Go(func() error {
		return uploader.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	p.log.Info("peer done", slog.Any("stats", p.stats.Snapshot()))
	return nil
}

func (p *peer) register(ctx context.Context) error {
	owned := p.store.Owned()
	f := models.Frame{Command: models.CommandRegister, Files: owned}
	if err := p.ep.Send(ctx, models.TrackerRank, p2p.Data, f); err != nil {
		return errors.Wrap(err, "failed to register")
	}
	p.log.Info("registered", slog.Int("files", len(owned)))
	return nil
}

func (p *peer) awaitStart(ctx context.Context) error {
	for {
		f, _, err := p.ep.Recv(ctx, models.TrackerRank, p2p.Data)
		if err != nil {
			return errors.Wrap(err, "failed to wait for start signal")
		}
		if f.Command == models.CommandAck {
			return nil
		}
		p.log.Warn("unexpected frame before start", slog.String("command", f.Command.String()))
	}
}
