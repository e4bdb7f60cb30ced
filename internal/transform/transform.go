// Package transform projects 2D detections into 3D candidate points in the
// robot base frame. Project is a pure function of the detection and the
// calibration snapshot; it retains no state between calls.
package transform

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/eidos-vision/pickpoint/internal/calib"
)

var (
	// ErrDepthUnavailable means neither a depth estimate nor a valid
	// work-surface plane intersection exists for the detection.
	ErrDepthUnavailable = errors.New("depth unavailable")

	// ErrOutOfCalibratedRange means the resolved point lies outside the
	// calibration's validated volume. Extrapolating the extrinsic fit is
	// reported, never done silently.
	ErrOutOfCalibratedRange = errors.New("point outside calibrated range")
)

// undistortIterations bounds the fixed-point inversion of the Brown-Conrady
// distortion model. Converges in 2-3 iterations for typical lenses.
const undistortIterations = 5

// planeParallelEpsilon rejects rays that are effectively parallel to the
// work-surface plane.
const planeParallelEpsilon = 1e-9

// Detection is one detector output: the bounding-box centre in pixels, an
// optional depth estimate, and classification metadata. Produced externally,
// consumed once here.
type Detection struct {
	U, V       float64   // bounding-box centre, pixels
	Depth      float64   // metres along the camera Z axis
	HasDepth   bool      // false → resolve depth on the work-surface plane
	Class      string    // detector class label
	Confidence float64   // detector confidence [0, 1]
	Timestamp  time.Time // frame acquisition time
}

// CandidatePoint is one detection resolved into the robot base frame.
type CandidatePoint struct {
	Position   r3.Vector // metres, base frame
	Confidence float64
	Timestamp  time.Time
	Source     Detection
}

// Project converts a detection into a base-frame candidate point using the
// given calibration snapshot.
//
// The pixel centre is undistorted, back-projected through the inverse
// intrinsic matrix to a camera-frame ray, resolved to a 3D point either from
// the detection's depth estimate or by intersecting the ray with the
// configured work-surface plane, and finally carried through the extrinsic
// transform into the base frame.
func Project(d Detection, p *calib.Parameters) (CandidatePoint, error) {
	xd, yd := normalise(d.U, d.V, p.Intrinsics)
	xu, yu := undistort(xd, yd, p.Intrinsics)
	ray := r3.Vector{X: xu, Y: yu, Z: 1}

	var base r3.Vector
	switch {
	case d.HasDepth:
		if d.Depth <= 0 {
			return CandidatePoint{}, fmt.Errorf("depth %f is not positive: %w", d.Depth, ErrDepthUnavailable)
		}
		base = p.CameraToBase(ray.Mul(d.Depth))

	default:
		pt, err := intersectPlane(ray, p)
		if err != nil {
			return CandidatePoint{}, err
		}
		base = pt
	}

	if !p.Volume.Contains(base) {
		return CandidatePoint{}, fmt.Errorf("resolved point (%.3f, %.3f, %.3f): %w",
			base.X, base.Y, base.Z, ErrOutOfCalibratedRange)
	}

	return CandidatePoint{
		Position:   base,
		Confidence: d.Confidence,
		Timestamp:  d.Timestamp,
		Source:     d,
	}, nil
}

// normalise maps a pixel to distorted normalised image coordinates.
func normalise(u, v float64, in calib.Intrinsics) (x, y float64) {
	return (u - in.Cx) / in.Fx, (v - in.Cy) / in.Fy
}

// undistort inverts the Brown-Conrady model by fixed-point iteration,
// returning undistorted normalised coordinates.
func undistort(xd, yd float64, in calib.Intrinsics) (x, y float64) {
	if in.K1 == 0 && in.K2 == 0 && in.K3 == 0 && in.P1 == 0 && in.P2 == 0 {
		return xd, yd
	}

	x, y = xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(in.K1+r2*(in.K2+r2*in.K3))
		dx := 2*in.P1*x*y + in.P2*(r2+2*x*x)
		dy := in.P1*(r2+2*y*y) + 2*in.P2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// intersectPlane resolves a camera-frame ray against the base-frame
// work-surface plane. The ray is rotated into the base frame first; the
// intersection must be in front of the camera.
func intersectPlane(ray r3.Vector, p *calib.Parameters) (r3.Vector, error) {
	origin := p.CameraOrigin()
	dir := p.RotateToBase(ray)
	normal := p.PlaneNormal()

	denom := normal.Dot(dir)
	if math.Abs(denom) < planeParallelEpsilon {
		return r3.Vector{}, fmt.Errorf("ray parallel to work-surface plane: %w", ErrDepthUnavailable)
	}

	t := (p.Plane.Offset - normal.Dot(origin)) / denom
	if t <= 0 {
		return r3.Vector{}, fmt.Errorf("work-surface plane behind camera: %w", ErrDepthUnavailable)
	}

	return origin.Add(dir.Mul(t)), nil
}
