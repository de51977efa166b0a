package models

import "github.com/pkg/errors"

var (
	ErrInvalidFile         = errors.New("invalid file id")
	ErrInvalidSegmentCount = errors.New("invalid segment count")
	ErrInvalidSegment      = errors.New("invalid segment index")
	ErrInvalidHash         = errors.New("invalid hash length")
)

// Limits bounds identifiers and sizes accepted anywhere in the swarm.
type Limits struct {
	MaxFiles    int `yaml:"maxFiles" validate:"min=1"`
	MaxSegments int `yaml:"maxSegments" validate:"min=1"`
	HashSize    int `yaml:"hashSize" validate:"min=1"`
	MaxPeers    int `yaml:"maxPeers" validate:"min=2"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxFiles:    10,
		MaxSegments: 100,
		HashSize:    32,
		MaxPeers:    100,
	}
}

func (l Limits) CheckFile(fileID int) error {
	if fileID < 1 || fileID > l.MaxFiles {
		return errors.Wrapf(ErrInvalidFile, "file %d outside 1..%d", fileID, l.MaxFiles)
	}
	return nil
}

func (l Limits) CheckSegmentCount(count int) error {
	if count <= 0 || count > l.MaxSegments {
		return errors.Wrapf(ErrInvalidSegmentCount, "%d segments outside 1..%d", count, l.MaxSegments)
	}
	return nil
}

func (l Limits) CheckHash(hash string) error {
	if len(hash) != l.HashSize {
		return errors.Wrapf(ErrInvalidHash, "hash %q has length %d, want %d", hash, len(hash), l.HashSize)
	}
	return nil
}

// CheckDescriptor validates a registration item as a whole.
func (l Limits) CheckDescriptor(d FileDescriptor) error {
	if err := l.CheckFile(d.FileID); err != nil {
		return err
	}
	if err := l.CheckSegmentCount(d.Count); err != nil {
		return errors.Wrapf(err, "file %d", d.FileID)
	}
	if len(d.Segments) != d.Count {
		return errors.Wrapf(ErrInvalidSegmentCount, "file %d announces %d segments but carries %d hashes", d.FileID, d.Count, len(d.Segments))
	}
	for i, h := range d.Segments {
		if err := l.CheckHash(h); err != nil {
			return errors.Wrapf(err, "file %d segment %d", d.FileID, i)
		}
	}
	return nil
}
