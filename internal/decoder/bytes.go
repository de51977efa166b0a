package decoder

import "io"

// ReadBytes reads exactly n bytes from r. A short read is reported as
// io.ErrUnexpectedEOF, a read with nothing available as io.EOF.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
