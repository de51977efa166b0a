package storage

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hash(c string) string {
	return strings.Repeat(c, 32)
}

func TestFileSource(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T, fs afero.Fs)
		assert func(t *testing.T, actual models.PeerInput, err error)
	}{
		{
			name: "reads the rank's input file",
			setup: func(t *testing.T, fs afero.Fs) {
				content := "1\nfile2 2\n" + hash("a") + "\n" + hash("b") + "\n1\nfile5\n"
				require.NoError(t, afero.WriteFile(fs, "in/in3.txt", []byte(content), 0644))
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				require.NoError(t, err)
				assert.Equal(t, []models.FileDescriptor{{FileID: 2, Count: 2, Segments: []string{hash("a"), hash("b")}}}, actual.Owned)
				assert.Equal(t, []int{5}, actual.Wishes)
			},
		},
		{
			name:  "missing input file",
			setup: func(t *testing.T, fs afero.Fs) {},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.True(t, errors.Is(err, os.ErrNotExist))
			},
		},
		{
			name: "malformed input file",
			setup: func(t *testing.T, fs afero.Fs) {
				require.NoError(t, afero.WriteFile(fs, "in/in3.txt", []byte("1\nfile2 1\nshort\n0\n"), 0644))
			},
			assert: func(t *testing.T, actual models.PeerInput, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidHash))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			tt.setup(t, fs)
			actual, err := NewFileSource(fs, "in", models.DefaultLimits()).Load(3)
			tt.assert(t, actual, err)
		})
	}
}

func TestFileSink(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewFileSink(fs, "out", slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, sink.Save(2, 7, []string{hash("a"), "", hash("c")}))

	content, err := afero.ReadFile(fs, "out/client2_file7")
	require.NoError(t, err)
	assert.Equal(t, hash("a")+"\n\n"+hash("c")+"\n", string(content))

	require.NoError(t, sink.Save(2, 7, []string{hash("d")}))
	content, err = afero.ReadFile(fs, "out/client2_file7")
	require.NoError(t, err)
	assert.Equal(t, hash("d")+"\n", string(content))
}

func TestFileSinkReadOnly(t *testing.T) {
	sink := NewFileSink(afero.NewReadOnlyFs(afero.NewMemMapFs()), "out", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, sink.Save(1, 1, []string{hash("a")}))
}
