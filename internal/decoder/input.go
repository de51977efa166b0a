package decoder

import (
	"bufio"
	"io"
	"strconv"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
)

var ErrMalformedInput = errors.New("malformed peer input")

// InputDecoder reads a peer's starting state.
//
// The format is whitespace separated: the number of owned files, then for each
// owned file its name and segment count followed by that many hashes, then the
// number of wished files followed by their names. A file id is the numeric
// suffix of its name ("file3" is file 3).
type InputDecoder interface {
	Decode(io.Reader) (models.PeerInput, error)
}

type inputDecoder struct {
	limits models.Limits
}

func NewInputDecoder(limits models.Limits) InputDecoder {
	return inputDecoder{limits: limits}
}

type tokens struct {
	scanner *bufio.Scanner
}

func (t *tokens) next(what string) (string, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.Wrapf(ErrMalformedInput, "missing %s", what)
	}
	return t.scanner.Text(), nil
}

func (t *tokens) int(what string) (int, error) {
	s, err := t.next(what)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedInput, "%s %q is not a number", what, s)
	}
	return n, nil
}

func (d inputDecoder) Decode(r io.Reader) (models.PeerInput, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	t := &tokens{scanner: scanner}

	input := models.PeerInput{}
	owned, err := t.int("owned file count")
	if err != nil {
		return input, err
	}
	if owned < 0 || owned > d.limits.MaxFiles {
		return input, errors.Wrapf(ErrMalformedInput, "owned file count %d outside 0..%d", owned, d.limits.MaxFiles)
	}

	input.Owned = make([]models.FileDescriptor, 0, owned)
	for i := 0; i < owned; i++ {
		desc, err := d.decodeOwned(t)
		if err != nil {
			return input, err
		}
		input.Owned = append(input.Owned, desc)
	}

	wished, err := t.int("wished file count")
	if err != nil {
		return input, err
	}
	if wished < 0 || wished > d.limits.MaxFiles {
		return input, errors.Wrapf(ErrMalformedInput, "wished file count %d outside 0..%d", wished, d.limits.MaxFiles)
	}

	input.Wishes = make([]int, 0, wished)
	for i := 0; i < wished; i++ {
		name, err := t.next("wished file name")
		if err != nil {
			return input, err
		}
		fileID, err := FileIDFromName(name)
		if err != nil {
			return input, err
		}
		if err := d.limits.CheckFile(fileID); err != nil {
			return input, err
		}
		input.Wishes = append(input.Wishes, fileID)
	}

	return input, nil
}

func (d inputDecoder) decodeOwned(t *tokens) (models.FileDescriptor, error) {
	name, err := t.next("owned file name")
	if err != nil {
		return models.FileDescriptor{}, err
	}
	fileID, err := FileIDFromName(name)
	if err != nil {
		return models.FileDescriptor{}, err
	}
	count, err := t.int("segment count")
	if err != nil {
		return models.FileDescriptor{}, err
	}
	if err := d.limits.CheckSegmentCount(count); err != nil {
		return models.FileDescriptor{}, errors.Wrapf(err, "file %s", name)
	}

	desc := models.FileDescriptor{FileID: fileID, Count: count, Segments: make([]string, 0, count)}
	for j := 0; j < count; j++ {
		hash, err := t.next("segment hash")
		if err != nil {
			return models.FileDescriptor{}, err
		}
		desc.Segments = append(desc.Segments, hash)
	}

	if err := d.limits.CheckDescriptor(desc); err != nil {
		return models.FileDescriptor{}, err
	}
	return desc, nil
}

// FileIDFromName extracts the trailing decimal digits of a file name.
func FileIDFromName(name string) (int, error) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, errors.Wrapf(ErrMalformedInput, "file name %q has no numeric suffix", name)
	}
	id, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedInput, "file name %q", name)
	}
	return id, nil
}
