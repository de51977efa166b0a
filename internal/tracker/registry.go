package tracker

import (
	"sort"

	"github.com/WendelHime/segswarm/internal/shared/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

var (
	ErrNoSeed               = errors.New("no seed holds the file")
	ErrUnknownFile          = errors.New("file has no known segment count")
	ErrSegmentCountMismatch = errors.New("segment count differs from the known count")
	ErrReleased             = errors.New("registry released")
)

// Entry is one (segment, holder, hash) fact served in a REQUEST reply.
type Entry struct {
	Index  int
	Holder int
	Hash   string
}

// Registry is the tracker's view of who holds what. It is owned by the
// tracker's event loop and is not safe for concurrent use.
type Registry struct {
	limits   models.Limits
	swarms   map[int]mapset.Set[int]
	seeds    map[int]mapset.Set[int]
	counts   map[int]int
	records  map[int]map[int]*models.FileRecord
	released bool
}

func NewRegistry(limits models.Limits) *Registry {
	return &Registry{
		limits:  limits,
		swarms:  make(map[int]mapset.Set[int]),
		seeds:   make(map[int]mapset.Set[int]),
		counts:  make(map[int]int),
		records: make(map[int]map[int]*models.FileRecord),
	}
}

func setFor(sets map[int]mapset.Set[int], fileID int) mapset.Set[int] {
	s, ok := sets[fileID]
	if !ok {
		s = mapset.NewThreadUnsafeSet[int]()
		sets[fileID] = s
	}
	return s
}

// record returns the peer's record for a file whose count is already known,
// creating it at that count.
func (r *Registry) record(peer, fileID int) *models.FileRecord {
	files, ok := r.records[peer]
	if !ok {
		files = make(map[int]*models.FileRecord)
		r.records[peer] = files
	}
	rec, ok := files[fileID]
	if !ok {
		rec = models.NewFileRecord(fileID, r.counts[fileID])
		files[fileID] = rec
	}
	return rec
}

func sorted(s mapset.Set[int]) []int {
	if s == nil {
		return []int{}
	}
	ids := s.ToSlice()
	sort.Ints(ids)
	return ids
}

// Register stores a file the peer owned from the start. The peer joins both
// the swarm and the seeds of that file.
func (r *Registry) Register(peer int, d models.FileDescriptor) error {
	if r.released {
		return ErrReleased
	}
	if err := r.limits.CheckDescriptor(d); err != nil {
		return err
	}
	if known, ok := r.counts[d.FileID]; ok && known != d.Count {
		return errors.Wrapf(ErrSegmentCountMismatch, "file %d has %d segments, peer %d announced %d", d.FileID, known, peer, d.Count)
	}

	r.counts[d.FileID] = d.Count
	rec := r.record(peer, d.FileID)
	copy(rec.Segments, d.Segments)
	setFor(r.swarms, d.FileID).Add(peer)
	setFor(r.seeds, d.FileID).Add(peer)
	return nil
}

// SegmentCount reports the file's count while at least one peer holds it.
func (r *Registry) SegmentCount(fileID int) (int, bool) {
	if len(r.Holders(fileID)) == 0 {
		return 0, false
	}
	count, ok := r.counts[fileID]
	return count, ok
}

// Holders lists swarm and seed members of the file in ascending order.
func (r *Registry) Holders(fileID int) []int {
	swarm, seeds := r.swarms[fileID], r.seeds[fileID]
	switch {
	case swarm == nil:
		return sorted(seeds)
	case seeds == nil:
		return sorted(swarm)
	default:
		return sorted(swarm.Union(seeds))
	}
}

// Entries lists every non-empty segment held by a holder other than the
// requester, ordered by holder then index.
func (r *Registry) Entries(fileID, requester int) []Entry {
	entries := make([]Entry, 0)
	for _, holder := range r.Holders(fileID) {
		if holder == requester {
			continue
		}
		rec, ok := r.records[holder][fileID]
		if !ok {
			continue
		}
		for i, h := range rec.Segments {
			if h != "" {
				entries = append(entries, Entry{Index: i, Holder: holder, Hash: h})
			}
		}
	}
	return entries
}

// Update writes one reported segment into the peer's record and marks the
// peer as a swarm member. Writing the same triple again changes nothing.
func (r *Registry) Update(peer, fileID, index int, hash string) error {
	if r.released {
		return ErrReleased
	}
	if err := r.limits.CheckFile(fileID); err != nil {
		return err
	}
	count, ok := r.counts[fileID]
	if !ok {
		return errors.Wrapf(ErrUnknownFile, "file %d", fileID)
	}
	if index < 0 || index >= count {
		return errors.Wrapf(models.ErrInvalidSegment, "segment %d of file %d outside 0..%d", index, fileID, count-1)
	}
	if err := r.limits.CheckHash(hash); err != nil {
		return err
	}

	r.record(peer, fileID).Segments[index] = hash
	setFor(r.swarms, fileID).Add(peer)
	return nil
}

// Finish promotes the peer to seed, copying the full hash sequence from the
// lowest-ranked existing seed.
func (r *Registry) Finish(peer, fileID int) error {
	if r.released {
		return ErrReleased
	}
	if err := r.limits.CheckFile(fileID); err != nil {
		return err
	}
	seeds := sorted(r.seeds[fileID])
	if len(seeds) == 0 {
		return errors.Wrapf(ErrNoSeed, "peer %d finished file %d", peer, fileID)
	}

	source := r.records[seeds[0]][fileID]
	copy(r.record(peer, fileID).Segments, source.Segments)
	setFor(r.seeds, fileID).Add(peer)
	return nil
}

func (r *Registry) Swarm(fileID int) []int {
	return sorted(r.swarms[fileID])
}

func (r *Registry) Seeds(fileID int) []int {
	return sorted(r.seeds[fileID])
}

// Record returns a copy of the peer's hashes for the file.
func (r *Registry) Record(peer, fileID int) ([]string, bool) {
	rec, ok := r.records[peer][fileID]
	if !ok {
		return nil, false
	}
	return rec.Clone().Segments, true
}

// Summary snapshots every known file, ordered by file id.
func (r *Registry) Summary() []models.SwarmSummary {
	files := make([]int, 0, len(r.counts))
	for fileID := range r.counts {
		files = append(files, fileID)
	}
	sort.Ints(files)

	summaries := make([]models.SwarmSummary, 0, len(files))
	for _, fileID := range files {
		s := models.SwarmSummary{
			FileID:       fileID,
			SegmentCount: r.counts[fileID],
			Swarm:        r.Swarm(fileID),
			Seeds:        r.Seeds(fileID),
			Records:      make(map[int][]string),
		}
		for peer, recs := range r.records {
			if rec, ok := recs[fileID]; ok {
				s.Records[peer] = rec.Clone().Segments
			}
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// Release drops all registry state. It may only happen once.
func (r *Registry) Release() error {
	if r.released {
		return ErrReleased
	}
	r.released = true
	r.swarms = nil
	r.seeds = nil
	r.counts = nil
	r.records = nil
	return nil
}

func (r *Registry) Released() bool {
	return r.released
}
