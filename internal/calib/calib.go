// Package calib owns the camera calibration parameters consumed by the
// coordinate transformer: lens intrinsics, the camera→base extrinsic
// transform, the work-surface plane, and the validated volume the extrinsic
// fit is trusted in. Parameters are loaded once at startup and only change
// through an explicit Reload.
package calib

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Intrinsics holds the pinhole camera model with Brown-Conrady distortion
// coefficients. Focal lengths and principal point are in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`

	// Radial (k1,k2,k3) and tangential (p1,p2) distortion
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	K3 float64 `json:"k3"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
}

// Extrinsics holds the hand-eye transform from camera frame to robot base
// frame: p_base = R * p_cam + T.
type Extrinsics struct {
	// Rotation is row-major 3x3.
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"` // metres
}

// Plane is the known work-surface plane in the base frame, expressed as
// Normal · p = Offset. Used to resolve depth when the detector supplies none.
type Plane struct {
	Normal [3]float64 `json:"normal"`
	Offset float64    `json:"offset"` // metres
}

// Volume is the axis-aligned base-frame box the extrinsic fit was validated
// over. Points resolved outside it are extrapolation and are rejected.
type Volume struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

// Contains reports whether p lies inside the volume (inclusive).
func (v Volume) Contains(p r3.Vector) bool {
	return p.X >= v.Min[0] && p.X <= v.Max[0] &&
		p.Y >= v.Min[1] && p.Y <= v.Max[1] &&
		p.Z >= v.Min[2] && p.Z <= v.Max[2]
}

// Parameters is one immutable calibration snapshot. The derived matrices are
// computed once at load so the per-detection transform path does no
// allocation-heavy linear algebra.
type Parameters struct {
	Intrinsics Intrinsics
	Extrinsics Extrinsics
	Plane      Plane
	Volume     Volume

	// Derived at load time
	invK     *mat.Dense // inverse intrinsic matrix, 3x3
	rotation *mat.Dense // camera→base rotation, 3x3
}

// calibFile is the on-disk JSON schema.
type calibFile struct {
	Intrinsics Intrinsics `json:"intrinsics"`
	Extrinsics Extrinsics `json:"extrinsics"`
	Plane      Plane      `json:"work_surface_plane"`
	Volume     Volume     `json:"validated_volume"`
}

// NewParameters builds a Parameters snapshot and precomputes the derived
// matrices. Fails if the intrinsic matrix is singular.
func NewParameters(in Intrinsics, ex Extrinsics, plane Plane, vol Volume) (*Parameters, error) {
	if in.Fx == 0 || in.Fy == 0 {
		return nil, fmt.Errorf("intrinsics have zero focal length (fx=%f, fy=%f)", in.Fx, in.Fy)
	}

	k := mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
	var invK mat.Dense
	if err := invK.Inverse(k); err != nil {
		return nil, fmt.Errorf("intrinsic matrix is not invertible: %w", err)
	}

	rot := mat.NewDense(3, 3, ex.Rotation[:])

	return &Parameters{
		Intrinsics: in,
		Extrinsics: ex,
		Plane:      plane,
		Volume:     vol,
		invK:       &invK,
		rotation:   rot,
	}, nil
}

// BackProject maps a pixel through the inverse intrinsic matrix to a
// camera-frame ray direction with unit depth (z = 1). Distortion must be
// removed by the caller first.
func (p *Parameters) BackProject(u, v float64) r3.Vector {
	px := mat.NewVecDense(3, []float64{u, v, 1})
	var ray mat.VecDense
	ray.MulVec(p.invK, px)
	return r3.Vector{X: ray.AtVec(0), Y: ray.AtVec(1), Z: ray.AtVec(2)}
}

// CameraToBase applies the extrinsic transform to a camera-frame point.
func (p *Parameters) CameraToBase(pt r3.Vector) r3.Vector {
	v := mat.NewVecDense(3, []float64{pt.X, pt.Y, pt.Z})
	var out mat.VecDense
	out.MulVec(p.rotation, v)
	t := p.Extrinsics.Translation
	return r3.Vector{
		X: out.AtVec(0) + t[0],
		Y: out.AtVec(1) + t[1],
		Z: out.AtVec(2) + t[2],
	}
}

// RotateToBase applies only the rotation part of the extrinsic transform.
// Used for direction vectors, which do not translate.
func (p *Parameters) RotateToBase(dir r3.Vector) r3.Vector {
	v := mat.NewVecDense(3, []float64{dir.X, dir.Y, dir.Z})
	var out mat.VecDense
	out.MulVec(p.rotation, v)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// CameraOrigin returns the camera's position in the base frame.
func (p *Parameters) CameraOrigin() r3.Vector {
	t := p.Extrinsics.Translation
	return r3.Vector{X: t[0], Y: t[1], Z: t[2]}
}

// PlaneNormal returns the work-surface normal as a vector.
func (p *Parameters) PlaneNormal() r3.Vector {
	n := p.Plane.Normal
	return r3.Vector{X: n[0], Y: n[1], Z: n[2]}
}

// Identity returns parameters with unit focal length, zero principal point,
// no distortion, and an identity extrinsic transform. The validated volume
// is wide open. Intended for tests.
func Identity() *Parameters {
	p, err := NewParameters(
		Intrinsics{Fx: 1, Fy: 1},
		Extrinsics{Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		Plane{Normal: [3]float64{0, 0, 1}, Offset: 0},
		Volume{Min: [3]float64{-1e6, -1e6, -1e6}, Max: [3]float64{1e6, 1e6, 1e6}},
	)
	if err != nil {
		panic(err) // identity intrinsics are always invertible
	}
	return p
}

// Store owns the live calibration snapshot. Readers get an immutable
// *Parameters; Reload swaps the snapshot atomically under the lock.
type Store struct {
	mu     sync.RWMutex
	path   string
	params *Parameters
}

// NewStore loads calibration from the given JSON file.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreWithParams wraps fixed parameters without a backing file.
// Reload is a no-op. Intended for tests and simulation.
func NewStoreWithParams(p *Parameters) *Store {
	return &Store{params: p}
}

// Params returns the current calibration snapshot.
func (s *Store) Params() *Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Reload re-reads the calibration file and swaps the snapshot. The previous
// snapshot stays valid for readers that already hold it. Triggered
// externally; never polled.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read calibration file: %w", err)
	}

	var f calibFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse calibration file: %w", err)
	}

	params, err := NewParameters(f.Intrinsics, f.Extrinsics, f.Plane, f.Volume)
	if err != nil {
		return fmt.Errorf("invalid calibration in %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
	return nil
}
