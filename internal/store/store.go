package store

import (
	"sort"
	"sync"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrSegmentCountMismatch = errors.New("segment count differs from the local record")
	ErrUnsized              = errors.New("record has no segment count yet")
)

// Record is one file's segment table, shared by a peer's download and upload
// duties. The download duty writes hashes while the upload duty scans them.
type Record struct {
	mu     sync.RWMutex
	fileID int
	rec    *models.FileRecord
}

func (r *Record) FileID() int {
	return r.fileID
}

// SegmentCount is 0 until the record is sized.
func (r *Record) SegmentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.SegmentCount()
}

// Size fixes the segment count of an unsized record. Sizing again with the
// same count is a no-op; a different count is rejected.
func (r *Record) Size(count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch current := r.rec.SegmentCount(); {
	case current == 0:
		r.rec.Segments = make([]string, count)
		return nil
	case current != count:
		return errors.Wrapf(ErrSegmentCountMismatch, "file %d has %d segments locally, %d announced", r.fileID, current, count)
	default:
		return nil
	}
}

func (r *Record) Held(index int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.Held(index)
}

// Put stores the hash of one segment.
func (r *Record) Put(index int, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.SegmentCount() == 0 {
		return errors.Wrapf(ErrUnsized, "file %d", r.fileID)
	}
	if index < 0 || index >= r.rec.SegmentCount() {
		return errors.Wrapf(models.ErrInvalidSegment, "segment %d of file %d", index, r.fileID)
	}
	r.rec.Segments[index] = hash
	return nil
}

func (r *Record) Complete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.Complete()
}

func (r *Record) Missing() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.Missing()
}

// Snapshot copies the current hash sequence.
func (r *Record) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.Clone().Segments
}

func (r *Record) Contains(hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.rec.Segments {
		if h != "" && h == hash {
			return true
		}
	}
	return false
}

// Store is a peer's own files, owned and in progress, plus its wish list.
type Store struct {
	mu      sync.RWMutex
	limits  models.Limits
	records map[int]*Record
	owned   []int
	wishes  []int
}

func New(limits models.Limits) *Store {
	return &Store{limits: limits, records: make(map[int]*Record)}
}

// Load builds a store from a peer's starting input.
func Load(input models.PeerInput, limits models.Limits) (*Store, error) {
	s := New(limits)
	for _, desc := range input.Owned {
		if err := s.Own(desc); err != nil {
			return nil, err
		}
	}
	for _, fileID := range input.Wishes {
		if err := s.Wish(fileID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Own adds a complete file the peer starts with.
func (s *Store) Own(desc models.FileDescriptor) error {
	if err := s.limits.CheckDescriptor(desc); err != nil {
		return err
	}
	rec := models.NewFileRecord(desc.FileID, desc.Count)
	copy(rec.Segments, desc.Segments)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[desc.FileID]; !ok {
		s.owned = append(s.owned, desc.FileID)
	}
	s.records[desc.FileID] = &Record{fileID: desc.FileID, rec: rec}
	return nil
}

// Wish appends a file to the wish list. Its record is created when the
// download starts.
func (s *Store) Wish(fileID int) error {
	if err := s.limits.CheckFile(fileID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wishes = append(s.wishes, fileID)
	return nil
}

func (s *Store) WishList() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wishes := make([]int, len(s.wishes))
	copy(wishes, s.wishes)
	return wishes
}

// Owned describes the files the peer started with, for registration.
func (s *Store) Owned() []models.FileDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descs := make([]models.FileDescriptor, 0, len(s.owned))
	for _, fileID := range s.owned {
		segments := s.records[fileID].Snapshot()
		descs = append(descs, models.FileDescriptor{FileID: fileID, Count: len(segments), Segments: segments})
	}
	return descs
}

func (s *Store) Record(fileID int) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fileID]
	return rec, ok
}

// Ensure returns the file's record, creating an unsized one if needed.
func (s *Store) Ensure(fileID int) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fileID]
	if !ok {
		rec = &Record{fileID: fileID, rec: models.NewFileRecord(fileID, 0)}
		s.records[fileID] = rec
	}
	return rec
}

// Files lists the ids of every record, ascending.
func (s *Store) Files() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Find scans every record for a segment with the given hash.
func (s *Store) Find(hash string) bool {
	if hash == "" {
		return false
	}
	for _, fileID := range s.Files() {
		rec, ok := s.Record(fileID)
		if ok && rec.Contains(hash) {
			return true
		}
	}
	return false
}
