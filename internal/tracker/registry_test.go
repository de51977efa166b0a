package tracker

import (
	"strings"
	"testing"

	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hash(c string) string {
	return strings.Repeat(c, 32)
}

func descriptor(fileID int, hashes ...string) models.FileDescriptor {
	return models.FileDescriptor{FileID: fileID, Count: len(hashes), Segments: hashes}
}

func TestRegistryRegister(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T, r *Registry) error
		assert func(t *testing.T, r *Registry, err error)
	}{
		{
			name: "owners become swarm members and seeds",
			setup: func(t *testing.T, r *Registry) error {
				require.NoError(t, r.Register(1, descriptor(2, hash("a"), hash("b"))))
				return r.Register(3, descriptor(2, hash("a"), hash("b")))
			},
			assert: func(t *testing.T, r *Registry, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []int{1, 3}, r.Swarm(2))
				assert.Equal(t, []int{1, 3}, r.Seeds(2))
				count, ok := r.SegmentCount(2)
				assert.True(t, ok)
				assert.Equal(t, 2, count)
				rec, ok := r.Record(3, 2)
				assert.True(t, ok)
				assert.Equal(t, []string{hash("a"), hash("b")}, rec)
			},
		},
		{
			name: "a different segment count for a known file is rejected",
			setup: func(t *testing.T, r *Registry) error {
				require.NoError(t, r.Register(1, descriptor(2, hash("a"), hash("b"))))
				return r.Register(2, descriptor(2, hash("a")))
			},
			assert: func(t *testing.T, r *Registry, err error) {
				assert.True(t, errors.Is(err, ErrSegmentCountMismatch))
				assert.Equal(t, []int{1}, r.Seeds(2))
			},
		},
		{
			name: "file id out of range",
			setup: func(t *testing.T, r *Registry) error {
				return r.Register(1, descriptor(11, hash("a")))
			},
			assert: func(t *testing.T, r *Registry, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidFile))
				assert.Empty(t, r.Swarm(11))
			},
		},
		{
			name: "segment count out of range",
			setup: func(t *testing.T, r *Registry) error {
				return r.Register(1, models.FileDescriptor{FileID: 1, Count: 0})
			},
			assert: func(t *testing.T, r *Registry, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidSegmentCount))
				_, ok := r.SegmentCount(1)
				assert.False(t, ok)
			},
		},
		{
			name: "hash of the wrong size",
			setup: func(t *testing.T, r *Registry) error {
				return r.Register(1, descriptor(1, hash("a"), "short"))
			},
			assert: func(t *testing.T, r *Registry, err error) {
				assert.True(t, errors.Is(err, models.ErrInvalidHash))
				assert.Empty(t, r.Seeds(1))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(models.DefaultLimits())
			err := tt.setup(t, r)
			tt.assert(t, r, err)
		})
	}
}

func TestRegistryEntries(t *testing.T) {
	r := NewRegistry(models.DefaultLimits())
	require.NoError(t, r.Register(1, descriptor(1, hash("a"), hash("b"), hash("c"))))
	require.NoError(t, r.Update(2, 1, 1, hash("b")))

	assert.Equal(t, []Entry{
		{Index: 1, Holder: 2, Hash: hash("b")},
	}, r.Entries(1, 1))

	assert.Equal(t, []Entry{
		{Index: 0, Holder: 1, Hash: hash("a")},
		{Index: 1, Holder: 1, Hash: hash("b")},
		{Index: 2, Holder: 1, Hash: hash("c")},
		{Index: 1, Holder: 2, Hash: hash("b")},
	}, r.Entries(1, 3))

	_, ok := r.SegmentCount(5)
	assert.False(t, ok)
	assert.Empty(t, r.Entries(5, 3))
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry(models.DefaultLimits())
	require.NoError(t, r.Register(1, descriptor(1, hash("a"), hash("b"))))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Update(2, 1, 0, hash("a")))
		rec, ok := r.Record(2, 1)
		require.True(t, ok)
		assert.Equal(t, []string{hash("a"), ""}, rec)
	}
	assert.Equal(t, []int{1, 2}, r.Swarm(1))
	assert.Equal(t, []int{1}, r.Seeds(1))

	assert.True(t, errors.Is(r.Update(2, 3, 0, hash("a")), ErrUnknownFile))
	assert.True(t, errors.Is(r.Update(2, 1, 2, hash("a")), models.ErrInvalidSegment))
	assert.True(t, errors.Is(r.Update(2, 1, 0, "x"), models.ErrInvalidHash))
}

func TestRegistryFinish(t *testing.T) {
	r := NewRegistry(models.DefaultLimits())

	err := r.Finish(2, 1)
	assert.True(t, errors.Is(err, ErrNoSeed))
	assert.Empty(t, r.Seeds(1))

	require.NoError(t, r.Register(1, descriptor(1, hash("a"), hash("b"))))
	require.NoError(t, r.Update(2, 1, 0, hash("a")))
	require.NoError(t, r.Finish(2, 1))

	assert.Equal(t, []int{1, 2}, r.Seeds(1))
	rec, ok := r.Record(2, 1)
	require.True(t, ok)
	assert.Equal(t, []string{hash("a"), hash("b")}, rec)
}

func TestRegistryRelease(t *testing.T) {
	r := NewRegistry(models.DefaultLimits())
	require.NoError(t, r.Register(1, descriptor(1, hash("a"))))

	assert.Nil(t, r.Release())
	assert.True(t, r.Released())
	assert.Equal(t, ErrReleased, r.Release())
	assert.Equal(t, ErrReleased, r.Register(1, descriptor(1, hash("a"))))
	assert.Empty(t, r.Holders(1))
}
