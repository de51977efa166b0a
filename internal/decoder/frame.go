package decoder

import (
	"bytes"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// FrameCodec turns frames into bytes and back. Every transport uses the same
// codec so an in-memory run exercises the exact bytes a TCP run would send.
type FrameCodec interface {
	Encode(models.Frame) ([]byte, error)
	Decode([]byte) (models.Frame, error)
}

type bencodeCodec struct{}

func NewFrameCodec() FrameCodec {
	return bencodeCodec{}
}

func (bencodeCodec) Encode(f models.Frame) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, f); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s frame", f.Command)
	}
	return buf.Bytes(), nil
}

func (bencodeCodec) Decode(b []byte) (models.Frame, error) {
	var f models.Frame
	if err := bencode.Unmarshal(bytes.NewReader(b), &f); err != nil {
		return models.Frame{}, errors.Wrap(err, "failed to decode frame")
	}
	return f, nil
}
