package calib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParameters(t *testing.T) {
	t.Parallel()

	t.Run("rejects zero focal length", func(t *testing.T) {
		t.Parallel()
		_, err := NewParameters(Intrinsics{Fx: 0, Fy: 600}, Extrinsics{}, Plane{}, Volume{})
		require.Error(t, err)
	})

	t.Run("precomputes an invertible intrinsic matrix", func(t *testing.T) {
		t.Parallel()
		p, err := NewParameters(
			Intrinsics{Fx: 600, Fy: 600, Cx: 320, Cy: 240},
			Extrinsics{Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}},
			Plane{Normal: [3]float64{0, 0, 1}},
			Volume{},
		)
		require.NoError(t, err)

		// The principal point back-projects to the optical axis.
		ray := p.BackProject(320, 240)
		assert.InDelta(t, 0, ray.X, 1e-12)
		assert.InDelta(t, 0, ray.Y, 1e-12)
		assert.InDelta(t, 1, ray.Z, 1e-12)
	})
}

func TestBackProjectIdentity(t *testing.T) {
	t.Parallel()

	p := Identity()
	ray := p.BackProject(0.25, -0.5)
	assert.InDelta(t, 0.25, ray.X, 1e-12)
	assert.InDelta(t, -0.5, ray.Y, 1e-12)
	assert.InDelta(t, 1, ray.Z, 1e-12)
}

func TestCameraToBase(t *testing.T) {
	t.Parallel()

	t.Run("identity transform is a no-op", func(t *testing.T) {
		t.Parallel()
		p := Identity()
		pt := p.CameraToBase(r3.Vector{X: 1, Y: 2, Z: 3})
		assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 3}, pt)
	})

	t.Run("applies rotation then translation", func(t *testing.T) {
		t.Parallel()
		// Camera looking straight down: camera +Z maps to base -Z.
		p, err := NewParameters(
			Intrinsics{Fx: 1, Fy: 1},
			Extrinsics{
				Rotation:    [9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1},
				Translation: [3]float64{0.1, 0.2, 0.8},
			},
			Plane{Normal: [3]float64{0, 0, 1}},
			Volume{},
		)
		require.NoError(t, err)

		pt := p.CameraToBase(r3.Vector{X: 0, Y: 0, Z: 0.5})
		assert.InDelta(t, 0.1, pt.X, 1e-12)
		assert.InDelta(t, 0.2, pt.Y, 1e-12)
		assert.InDelta(t, 0.3, pt.Z, 1e-12)
	})

	t.Run("rotation alone ignores translation", func(t *testing.T) {
		t.Parallel()
		p, err := NewParameters(
			Intrinsics{Fx: 1, Fy: 1},
			Extrinsics{
				Rotation:    [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
				Translation: [3]float64{5, 5, 5},
			},
			Plane{}, Volume{},
		)
		require.NoError(t, err)

		dir := p.RotateToBase(r3.Vector{X: 0, Y: 0, Z: 1})
		assert.Equal(t, r3.Vector{X: 0, Y: 0, Z: 1}, dir)
	})
}

func TestVolumeContains(t *testing.T) {
	t.Parallel()

	v := Volume{Min: [3]float64{-1, -1, 0}, Max: [3]float64{1, 1, 2}}
	assert.True(t, v.Contains(r3.Vector{X: 0, Y: 0, Z: 1}))
	assert.True(t, v.Contains(r3.Vector{X: 1, Y: -1, Z: 0}), "boundary is inclusive")
	assert.False(t, v.Contains(r3.Vector{X: 1.01, Y: 0, Z: 1}))
	assert.False(t, v.Contains(r3.Vector{X: 0, Y: 0, Z: -0.01}))
}

const calibJSON = `{
	"intrinsics": {"fx": 600, "fy": 600, "cx": 320, "cy": 240},
	"extrinsics": {
		"rotation": [1, 0, 0, 0, 1, 0, 0, 0, 1],
		"translation": [0.4, 0.0, 0.7]
	},
	"work_surface_plane": {"normal": [0, 0, 1], "offset": 0},
	"validated_volume": {"min": [-1, -1, -1], "max": [1, 1, 1]}
}`

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("loads calibration from file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "calibration.json")
		require.NoError(t, os.WriteFile(path, []byte(calibJSON), 0o644))

		store, err := NewStore(path)
		require.NoError(t, err)

		p := store.Params()
		assert.Equal(t, 600.0, p.Intrinsics.Fx)
		assert.Equal(t, r3.Vector{X: 0.4, Y: 0, Z: 0.7}, p.CameraOrigin())
	})

	t.Run("reload swaps the snapshot", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "calibration.json")
		require.NoError(t, os.WriteFile(path, []byte(calibJSON), 0o644))

		store, err := NewStore(path)
		require.NoError(t, err)
		before := store.Params()

		updated := []byte(`{
			"intrinsics": {"fx": 900, "fy": 900, "cx": 320, "cy": 240},
			"extrinsics": {"rotation": [1,0,0,0,1,0,0,0,1], "translation": [0,0,0]},
			"work_surface_plane": {"normal": [0,0,1], "offset": 0},
			"validated_volume": {"min": [-1,-1,-1], "max": [1,1,1]}
		}`)
		require.NoError(t, os.WriteFile(path, updated, 0o644))
		require.NoError(t, store.Reload())

		assert.Equal(t, 900.0, store.Params().Intrinsics.Fx)
		assert.Equal(t, 600.0, before.Intrinsics.Fx, "old snapshot stays valid for existing holders")
	})

	t.Run("reload failure keeps the previous snapshot", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "calibration.json")
		require.NoError(t, os.WriteFile(path, []byte(calibJSON), 0o644))

		store, err := NewStore(path)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		require.Error(t, store.Reload())
		assert.Equal(t, 600.0, store.Params().Intrinsics.Fx)
	})

	t.Run("missing file fails", func(t *testing.T) {
		t.Parallel()
		_, err := NewStore(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})
}
