package decoder

import (
	"strings"
	"testing"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func hash(c string) string {
	return strings.Repeat(c, 32)
}

func TestInputDecoder(t *testing.T) {
	decoder := NewInputDecoder(models.DefaultLimits())

	var tests = []struct {
		name   string
		input  func() string
		assert func(t *testing.T, actual models.PeerInput, err error)
	}{
		{
			name: "owned files and wish list",
			input: func() string {
				var b strings.Builder
				b.WriteString("2\n")
				b.WriteString("file1 2\n" + hash("a") + "\n" + hash("b") + "\n")
				b.WriteString("file10 1\n" + hash("c") + "\n")
				b.WriteString("2\nfile3\nfile4\n")
				return b.String()
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []models.FileDescriptor{
					{FileID: 1, Count: 2, Segments: []string{hash("a"), hash("b")}},
					{FileID: 10, Count: 1, Segments: []string{hash("c")}},
				}, actual.Owned)
				assert.Equal(t, []int{3, 4}, actual.Wishes)
			},
		},
		{
			name: "peer that owns nothing",
			input: func() string {
				return "0\n1\nfile2\n"
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.Nil(t, err)
				assert.Empty(t, actual.Owned)
				assert.Equal(t, []int{2}, actual.Wishes)
			},
		},
		{
			name: "short hash is rejected",
			input: func() string {
				return "1\nfile1 1\nabc\n0\n"
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidHash))
			},
		},
		{
			name: "file id beyond the limit is rejected",
			input: func() string {
				return "0\n1\nfile11\n"
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidFile))
			},
		},
		{
			name: "truncated hash list",
			input: func() string {
				return "1\nfile1 3\n" + hash("a") + "\n"
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.True(t, errors.Is(err, ErrMalformedInput))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decoder.Decode(strings.NewReader(tt.input()))
			tt.assert(t, actual, err)
		})
	}
}

func TestFileIDFromName(t *testing.T) {
	id, err := FileIDFromName("file7")
	assert.Nil(t, err)
	assert.Equal(t, 7, id)

	_, err = FileIDFromName("file")
	assert.True(t, errors.Is(err, ErrMalformedInput))
}
