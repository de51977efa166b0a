package logic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/WendelHime/segswarm/internal/p2p"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/WendelHime/segswarm/internal/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

var (
	ErrSegmentUnavailable = errors.New("segment unavailable")
	ErrUnservable         = errors.New("no peer holds the file")
)

// Sink persists the segment hashes a peer ended up with for a file.
type Sink interface {
	Save(rank, fileID int, segments []string) error
}

// DownloadConfig tunes the download duty.
type DownloadConfig struct {
	// RefreshEvery is the number of acquired segments after which the peer
	// reports them to the tracker and asks for a fresh swarm view.
	RefreshEvery int `yaml:"refreshEvery" validate:"min=1"`
	// FetchAttempts caps the peer-to-peer requests per segment and pass.
	FetchAttempts int `yaml:"fetchAttempts" validate:"min=1"`
	// RequestRetries is how many times a file nobody holds is asked for again.
	RequestRetries  int           `yaml:"requestRetries" validate:"min=0"`
	RequestInterval time.Duration `yaml:"requestInterval"`
	Progress        bool          `yaml:"progress"`
}

func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		RefreshEvery:    10,
		FetchAttempts:   3,
		RequestRetries:  3,
		RequestInterval: 100 * time.Millisecond,
	}
}

// FileReport is the outcome of one wished file.
type FileReport struct {
	FileID       int
	SegmentCount int
	Complete     bool
	Unservable   bool
	Finished     bool
	Saved        bool
	Missing      []int
}

type Downloader interface {
	// Run processes the wish list in order, then tells the tracker the peer
	// is done. Only transport failures are returned.
	Run(ctx context.Context) ([]FileReport, error)
}

type downloader struct {
	ep       p2p.Endpoint
	store    *store.Store
	sink     Sink
	cfg      DownloadConfig
	stats    *Stats
	progress io.Writer
	log      *slog.Logger
}

func NewDownloader(ep p2p.Endpoint, s *store.Store, sink Sink, cfg DownloadConfig, stats *Stats, progress io.Writer, logger *slog.Logger) Downloader {
	if progress == nil {
		progress = io.Discard
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &downloader{
		ep:       ep,
		store:    s,
		sink:     sink,
		cfg:      cfg,
		stats:    stats,
		progress: progress,
		log:      logger.With(slog.Int("rank", ep.Rank()), slog.String("duty", "download")),
	}
}

// swarmView is what the tracker last reported about a file: for every other
// holder, the hash it has per segment index.
type swarmView struct {
	holders map[int]map[int]string
}

func newSwarmView() *swarmView {
	return &swarmView{holders: make(map[int]map[int]string)}
}

func (v *swarmView) add(holder, index int, hash string) {
	if hash == "" {
		return
	}
	segments, ok := v.holders[holder]
	if !ok {
		segments = make(map[int]string)
		v.holders[holder] = segments
	}
	if _, seen := segments[index]; !seen {
		segments[index] = hash
	}
}

// source picks the lowest holder id that has the segment.
func (v *swarmView) source(index int) (int, string, bool) {
	ids := make([]int, 0, len(v.holders))
	for id := range v.holders {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if hash, ok := v.holders[id][index]; ok {
			return id, hash, true
		}
	}
	return 0, "", false
}

func (d *downloader) Run(ctx context.Context) ([]FileReport, error) {
	wishes := d.store.WishList()
	d.log.Info("starting downloads", slog.Any("wishes", wishes))

	reports := make([]FileReport, 0, len(wishes))
	for _, fileID := range wishes {
		report, err := d.download(ctx, fileID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}

	if err := d.ep.Send(ctx, models.TrackerRank, p2p.Control, models.Frame{Command: models.CommandTerminate}); err != nil {
		return reports, errors.Wrap(err, "failed to send terminate")
	}
	d.log.Info("downloads done", slog.Int("files", len(reports)))
	return reports, nil
}

func (d *downloader) download(ctx context.Context, fileID int) (FileReport, error) {
	report := FileReport{FileID: fileID}

	count, view, err := d.requestServable(ctx, fileID)
	if errors.Is(err, ErrUnservable) {
		d.log.Warn("nobody holds the file, giving up", slog.Int("file", fileID))
		report.Unservable = true
		return report, nil
	}
	if err != nil {
		return report, err
	}

	rec := d.store.Ensure(fileID)
	if err := rec.Size(count); err != nil {
		d.log.Error("tracker disagrees on segment count", slog.Int("file", fileID), slog.Any("error", err))
		report.SegmentCount = rec.SegmentCount()
		report.Missing = rec.Missing()
		return report, nil
	}
	report.SegmentCount = count

	bar := progressbar.NewOptions(count,
		progressbar.OptionSetWriter(d.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("rank %d file %d", d.ep.Rank(), fileID)),
		progressbar.OptionShowCount(),
	)
	bar.Add(count - len(rec.Missing()))

	acquired := 0
	pending := make([]int, 0, d.cfg.RefreshEvery)
	for index := 0; index < count; index++ {
		if rec.Held(index) {
			continue
		}
		source, hash, ok := view.source(index)
		if !ok {
			d.log.Debug("no source for segment", slog.Int("file", fileID), slog.Int("segment", index))
			continue
		}

		err := d.fetch(ctx, source, hash)
		if errors.Is(err, ErrSegmentUnavailable) {
			d.log.Warn("segment not fetched", slog.Int("file", fileID), slog.Int("segment", index), slog.Int("source", source), slog.Any("error", err))
			continue
		}
		if err != nil {
			return report, err
		}
		if err := rec.Put(index, hash); err != nil {
			return report, err
		}
		d.stats.Fetched.Inc()
		d.log.Debug("segment fetched", slog.Int("file", fileID), slog.Int("segment", index), slog.Int("source", source))
		bar.Add(1)

		pending = append(pending, index)
		acquired++
		if acquired%d.cfg.RefreshEvery != 0 {
			continue
		}
		if err := d.pushUpdate(ctx, fileID, rec, pending); err != nil {
			return report, err
		}
		pending = pending[:0]

		refreshed, fresh, err := d.request(ctx, fileID)
		if err != nil {
			return report, err
		}
		if refreshed == count {
			view = fresh
		}
	}
	bar.Finish()

	report.Complete = rec.Complete()
	report.Missing = rec.Missing()
	if report.Complete {
		if err := d.ep.Send(ctx, models.TrackerRank, p2p.Control, models.Frame{Command: models.CommandFinish, FileID: fileID}); err != nil {
			return report, errors.Wrapf(err, "failed to finish file %d", fileID)
		}
		report.Finished = true
		d.log.Info("file complete", slog.Int("file", fileID), slog.Int("segments", count))
	} else {
		if len(pending) > 0 {
			if err := d.pushUpdate(ctx, fileID, rec, pending); err != nil {
				return report, err
			}
		}
		d.log.Error("file incomplete", slog.Int("file", fileID), slog.Any("missing", report.Missing))
	}

	if err := d.sink.Save(d.ep.Rank(), fileID, rec.Snapshot()); err != nil {
		d.log.Error("failed to save file", slog.Int("file", fileID), slog.Any("error", err))
		return report, nil
	}
	report.Saved = true
	return report, nil
}

// requestServable asks the tracker for a file until someone holds it or the
// configured retries run out.
func (d *downloader) requestServable(ctx context.Context, fileID int) (int, *swarmView, error) {
	var (
		count int
		view  *swarmView
	)
	operation := func() error {
		var err error
		count, view, err = d.request(ctx, fileID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if count == 0 {
			return errors.Wrapf(ErrUnservable, "file %d", fileID)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RequestInterval), uint64(d.cfg.RequestRetries)), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		d.log.Debug("file not servable yet", slog.Int("file", fileID), slog.Duration("retry_in", next))
	})
	return count, view, err
}

// request sends REQUEST(fileID) and reads the reply stream. A count of 0
// means the tracker knows no holder.
func (d *downloader) request(ctx context.Context, fileID int) (int, *swarmView, error) {
	if err := d.ep.Send(ctx, models.TrackerRank, p2p.Control, models.Frame{Command: models.CommandRequest, FileID: fileID}); err != nil {
		return 0, nil, errors.Wrapf(err, "failed to request file %d", fileID)
	}

	count := 0
	view := newSwarmView()
	for {
		f, _, err := d.ep.Recv(ctx, models.TrackerRank, p2p.Data)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "failed to read swarm of file %d", fileID)
		}
		switch f.Command {
		case models.CommandRequest:
			count = f.Count
		case models.CommandSegment:
			if f.Peer == d.ep.Rank() {
				continue
			}
			view.add(f.Peer, f.Index, f.Hash)
		case models.CommandEndOfMessage:
			d.log.Debug("swarm view received", slog.Int("file", fileID), slog.Int("segments", count), slog.Int("holders", len(view.holders)))
			return count, view, nil
		default:
			d.log.Warn("unexpected frame in swarm view", slog.Int("file", fileID), slog.String("command", f.Command.String()))
		}
	}
}

// fetch asks source for the segment with the given hash, up to
// FetchAttempts times.
func (d *downloader) fetch(ctx context.Context, source int, hash string) error {
	operation := func() error {
		d.stats.Attempts.Inc()
		if err := d.ep.Send(ctx, source, p2p.Control, models.Frame{Command: models.CommandRequest, Hash: hash}); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "failed to request segment from %d", source))
		}
		f, _, err := d.ep.Recv(ctx, source, p2p.Data)
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "failed to read reply from %d", source))
		}
		switch f.Command {
		case models.CommandAck:
			return nil
		case models.CommandNotFound:
			return errors.Wrapf(ErrSegmentUnavailable, "peer %d refused", source)
		default:
			return errors.Wrapf(ErrSegmentUnavailable, "peer %d replied %s", source, f.Command)
		}
	}

	attempts := d.cfg.FetchAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	return backoff.Retry(operation, b)
}

// pushUpdate reports the given segments of a file to the tracker.
func (d *downloader) pushUpdate(ctx context.Context, fileID int, rec *store.Record, indices []int) error {
	if err := d.ep.Send(ctx, models.TrackerRank, p2p.Control, models.Frame{Command: models.CommandUpdate}); err != nil {
		return errors.Wrap(err, "failed to send update")
	}
	segments := rec.Snapshot()
	for _, index := range indices {
		f := models.Frame{Command: models.CommandSegment, FileID: fileID, Index: index, Hash: segments[index]}
		if err := d.ep.Send(ctx, models.TrackerRank, p2p.Data, f); err != nil {
			return errors.Wrap(err, "failed to send update entry")
		}
	}
	if err := d.ep.Send(ctx, models.TrackerRank, p2p.Data, models.Frame{Command: models.CommandEndOfMessage}); err != nil {
		return errors.Wrap(err, "failed to end update")
	}
	d.log.Debug("update sent", slog.Int("file", fileID), slog.Int("segments", len(indices)))
	return nil
}
