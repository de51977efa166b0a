package logic

import (
	"context"
	"log/slog"

	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/WendelHime/segswarm/internal/store"
	"github.com/pkg/errors"
)

// ServePolicy decides whether a held segment may be handed to a requester.
type ServePolicy func(requester int, hash string) bool

func serveAll(int, string) bool {
	return true
}

type Uploader interface {
	// Run answers segment requests until the tracker broadcasts TERMINATE.
	Run(ctx context.Context) error
}

type uploader struct {
	ep     p2p.Endpoint
	store  *store.Store
	stats  *Stats
	policy ServePolicy
	log    *slog.Logger
}

func NewUploader(ep p2p.Endpoint, s *store.Store, stats *Stats, policy ServePolicy, logger *slog.Logger) Uploader {
	if policy == nil {
		policy = serveAll
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &uploader{
		ep:     ep,
		store:  s,
		stats:  stats,
		policy: policy,
		log:    logger.With(slog.Int("rank", ep.Rank()), slog.String("duty", "upload")),
	}
}

func (u *uploader) Run(ctx context.Context) error {
	for {
		f, sender, err := u.ep.Recv(ctx, p2p.AnySource, p2p.Control)
		if err != nil {
			return errors.Wrap(err, "failed to receive command")
		}

		switch f.Command {
		case models.CommandRequest:
			if err := u.serve(ctx, sender, f.Hash); err != nil {
				return err
			}
		case models.CommandTerminate:
			if sender != models.TrackerRank {
				u.log.Warn("terminate from a peer ignored", slog.Int("sender", sender))
				continue
			}
			u.log.Info("swarm shut down", slog.Int64("served", u.stats.Served.Load()), slog.Int64("refused", u.stats.Refused.Load()))
			return nil
		default:
			u.log.Warn("unknown command", slog.Int("sender", sender), slog.String("command", f.Command.String()))
		}
	}
}

func (u *uploader) serve(ctx context.Context, requester int, hash string) error {
	reply := models.Frame{Command: models.CommandNotFound, Hash: hash}
	if u.store.Find(hash) && u.policy(requester, hash) {
		reply.Command = models.CommandAck
		u.stats.Served.Inc()
	} else {
		u.stats.Refused.Inc()
	}
	u.log.Debug("segment request", slog.Int("requester", requester), slog.String("reply", reply.Command.String()))
	if err := u.ep.Send(ctx, requester, p2p.Data, reply); err != nil {
		return errors.Wrapf(err, "failed to reply to %d", requester)
	}
	return nil
}
