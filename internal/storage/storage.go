package storage

import (
	"bufio"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/WendelHime/segswarm/internal/decoder"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// InputName is the file a peer reads its owned files and wishes from.
func InputName(rank int) string {
	return fmt.Sprintf("in%d.txt", rank)
}

// OutputName is the file a peer writes a downloaded file's hashes to.
func OutputName(rank, fileID int) string {
	return fmt.Sprintf("client%d_file%d", rank, fileID)
}

type Source interface {
	Load(rank int) (models.PeerInput, error)
}

type FileSource struct {
	fs  afero.Fs
	dir string
	d   decoder.InputDecoder
}

func NewFileSource(fs afero.Fs, dir string, limits models.Limits) *FileSource {
	return &FileSource{fs: fs, dir: dir, d: decoder.NewInputDecoder(limits)}
}

func (s *FileSource) Load(rank int) (models.PeerInput, error) {
	path := filepath.Join(s.dir, InputName(rank))
	f, err := s.fs.Open(path)
	if err != nil {
		return models.PeerInput{}, errors.Wrapf(err, "failed to open input of rank %d", rank)
	}
	defer f.Close()

	input, err := s.d.Decode(f)
	if err != nil {
		return models.PeerInput{}, errors.Wrapf(err, "failed to decode %s", path)
	}
	return input, nil
}

// FileSink writes one hash per line, in segment order. A missing segment is
// an empty line.
type FileSink struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

func NewFileSink(fs afero.Fs, dir string, logger *slog.Logger) *FileSink {
	return &FileSink{fs: fs, dir: dir, log: logger}
}

func (s *FileSink) Save(rank, fileID int, segments []string) error {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", s.dir)
	}
	path := filepath.Join(s.dir, OutputName(rank, fileID))
	f, err := s.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, h := range segments {
		if _, err := w.WriteString(h + "\n"); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	s.log.Info("file saved", slog.String("path", path), slog.Int("segments", len(segments)))
	return nil
}
