// Package motion drives the robot through the fieldbus: it turns a stable
// tracked target into exactly one supervised motion command at a time and
// walks the command through an explicit state machine. Every failure is
// terminal for the current command; the next motion always requires a
// freshly re-confirmed stable target, so the commander never commands
// against an unknown physical state.
package motion

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/eidos-vision/pickpoint/internal/fieldbus"
	"github.com/eidos-vision/pickpoint/internal/track"
)

// State is the commander's position in one motion cycle.
type State string

const (
	StateIdle           State = "idle"            // No motion in progress
	StateTargetAcquired State = "target_acquired" // Stable target validated, command being built
	StateCommandSent    State = "command_sent"    // Command written, awaiting controller acceptance
	StateMoving         State = "moving"          // Controller reports the move is in progress
	StateArrived        State = "arrived"         // Terminal: TCP settled at the commanded pose
	StateFailed         State = "failed"          // Terminal: command failed, see latched failure
)

// Terminal reports whether the state ends a motion cycle. Both terminal
// states return to idle only through Acknowledge.
func (s State) Terminal() bool {
	return s == StateArrived || s == StateFailed
}

var (
	// ErrUnreachableTarget means the target lies outside the declared
	// workspace or beyond the maximum reach from the current tool position.
	ErrUnreachableTarget = errors.New("target unreachable")

	// ErrCommandRejected means the controller did not accept a written
	// command within the acknowledgement timeout.
	ErrCommandRejected = errors.New("command rejected by controller")

	// ErrMotionTimeout means a move exceeded the maximum motion duration.
	ErrMotionTimeout = errors.New("motion timed out")

	// ErrMotionFault means the controller latched a fault during motion.
	ErrMotionFault = errors.New("controller fault during motion")

	// ErrStopped means an operator stop request aborted the motion.
	ErrStopped = errors.New("motion stopped by request")
)

// Kind maps a latched failure to its taxonomy name for status reporting.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachableTarget):
		return "UnreachableTarget"
	case errors.Is(err, fieldbus.ErrCommunicationLost):
		return "CommunicationLost"
	case errors.Is(err, ErrCommandRejected):
		return "CommandRejected"
	case errors.Is(err, ErrMotionTimeout):
		return "MotionTimeout"
	case errors.Is(err, ErrMotionFault):
		return "MotionFault"
	case errors.Is(err, ErrStopped):
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Bus is the fieldbus session the commander owns. Satisfied by
// *fieldbus.Client; tests substitute a simulated controller.
type Bus interface {
	WriteTarget(target r3.Vector) error
	ReadStatus() (fieldbus.Status, error)
	Stop() error
	ResetErrors() error
	EnableDrives() error
	Disconnect() error
}

// TargetSource supplies the latest stable-target snapshot. Satisfied by
// *track.Tracker.
type TargetSource interface {
	StableTarget(now time.Time) (track.TrackedTarget, bool)
}

// Recorder persists issued commands and their outcomes. Optional.
type Recorder interface {
	RecordCommand(cmd Command) error
	RecordOutcome(commandID string, state State, failureKind string, at time.Time) error
}

// Command is one immutable motion command. Created from a stable target at
// the moment it is deemed reachable; never mutated after issue.
type Command struct {
	ID       string
	Target   r3.Vector // base frame, metres
	MaxVel   float64   // m/s limit handed to the controller program
	MaxAccel float64   // m/s² limit
	IssuedAt time.Time
	Home     bool // true when this is a return-to-home move
}

// Config holds workspace limits and supervision timeouts.
type Config struct {
	WorkspaceMin [3]float64
	WorkspaceMax [3]float64
	MaxReachM    float64

	AckTimeout        time.Duration
	MotionTimeout     time.Duration
	ArrivalToleranceM float64

	Home     r3.Vector
	MaxVel   float64
	MaxAccel float64
}

// Commander owns the robot-side state machine and the fieldbus session.
type Commander struct {
	mu      sync.Mutex
	cfg     Config
	bus     Bus
	targets TargetSource
	rec     Recorder

	state       State
	cmd         *Command
	sentAt      time.Time // command write time, for the ack timeout
	movingSince time.Time // busy-bit confirmation time, for the motion timeout
	lastFailure error     // latched until superseded by a new command attempt

	enabled       bool
	broughtUp     bool // drives reset + enabled once per session
	stopRequested bool
	homeRequested bool
}

// NewCommander creates a commander in the idle state. The bus is owned
// exclusively by this commander from here on.
func NewCommander(cfg Config, bus Bus, targets TargetSource, rec Recorder) *Commander {
	return &Commander{
		cfg:     cfg,
		bus:     bus,
		targets: targets,
		rec:     rec,
		state:   StateIdle,
	}
}

// Enable switches tracking-to-motion on. On the first enable of a session
// the controller's errors are reset and the drives enabled, as the RCS
// bring-up sequence requires.
func (c *Commander) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.broughtUp {
		if err := c.bus.ResetErrors(); err != nil {
			return fmt.Errorf("reset controller errors: %w", err)
		}
		if err := c.bus.EnableDrives(); err != nil {
			return fmt.Errorf("enable drives: %w", err)
		}
		c.broughtUp = true
	}
	c.enabled = true
	return nil
}

// Disable stops acquiring new targets. A motion already in flight continues
// to be supervised to its terminal state.
func (c *Commander) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

// RequestStop aborts the in-flight motion via the controller's dedicated
// stop flag on the next tick. The command ends in the failed state once the
// stop is written; the session is never torn down to stop a move.
func (c *Commander) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
}

// RequestHome queues a supervised move to the configured home position. The
// home pose goes through the same validation and state machine as a tracked
// target.
func (c *Commander) RequestHome() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.homeRequested = true
}

// Acknowledge returns the commander to idle from a terminal state. Reports
// the acknowledged terminal state, or false when nothing was terminal.
func (c *Commander) Acknowledge() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Terminal() {
		return c.state, false
	}
	prev := c.state
	c.state = StateIdle
	c.cmd = nil
	return prev, true
}

// Snapshot is the commander's externally visible state.
type Snapshot struct {
	State       State
	Enabled     bool
	Command     *Command // copy; nil when idle
	LastFailure string   // taxonomy kind, empty when none latched
}

// Status returns a snapshot for the operator surface.
func (c *Commander) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:       c.state,
		Enabled:     c.enabled,
		LastFailure: Kind(c.lastFailure),
	}
	if c.cmd != nil {
		cp := *c.cmd
		snap.Command = &cp
	}
	return snap
}

// Tick advances the state machine by at most one transition. Called from
// the actuation loop at the fieldbus polling cadence; protocol calls inside
// may block up to their configured timeout but never stall the perception
// path, which shares no lock with the commander.
func (c *Commander) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		c.stopRequested = false // nothing in flight to stop
		c.tickIdle(now)
	case StateTargetAcquired:
		c.tickSend(now)
	case StateCommandSent:
		c.tickAwaitAccept(now)
	case StateMoving:
		c.tickSupervise(now)
	case StateArrived, StateFailed:
		// Terminal until acknowledged.
	}
}

// tickIdle checks for a stable target (or a queued home request), validates
// reachability, and acquires it. A rejected target leaves the state at idle.
func (c *Commander) tickIdle(now time.Time) {
	if !c.enabled {
		return
	}

	var target r3.Vector
	var home bool
	switch {
	case c.homeRequested:
		target = c.cfg.Home
		home = true
	default:
		stable, ok := c.targets.StableTarget(now)
		if !ok {
			return
		}
		target = stable.Position
	}

	status, err := c.bus.ReadStatus()
	if err != nil {
		c.lastFailure = err
		log.Printf("motion: status read before acquisition failed: %v", err)
		return
	}
	if status.Fault {
		c.lastFailure = fmt.Errorf("controller fault latched before acquisition: %w", ErrMotionFault)
		log.Printf("motion: %v", c.lastFailure)
		return
	}

	if err := c.validateReachable(target, status.TCP); err != nil {
		c.lastFailure = err
		log.Printf("motion: rejected target (%.3f, %.3f, %.3f): %v",
			target.X, target.Y, target.Z, err)
		return
	}

	// New command attempt supersedes the latched failure.
	c.lastFailure = nil
	c.homeRequested = false
	c.cmd = &Command{
		ID:       uuid.NewString(),
		Target:   target,
		MaxVel:   c.cfg.MaxVel,
		MaxAccel: c.cfg.MaxAccel,
		IssuedAt: now,
		Home:     home,
	}
	c.state = StateTargetAcquired
	log.Printf("motion: acquired target (%.3f, %.3f, %.3f) command=%s",
		target.X, target.Y, target.Z, c.cmd.ID)
}

// tickSend writes the command through the fieldbus.
func (c *Commander) tickSend(now time.Time) {
	if err := c.bus.WriteTarget(c.cmd.Target); err != nil {
		c.fail(now, err)
		return
	}
	c.sentAt = now
	c.state = StateCommandSent

	if c.rec != nil {
		if err := c.rec.RecordCommand(*c.cmd); err != nil {
			log.Printf("motion: record command %s: %v", c.cmd.ID, err)
		}
	}
	log.Printf("motion: command %s sent", c.cmd.ID)
}

// tickAwaitAccept waits for the controller's explicit busy bit. Acceptance
// is never inferred from elapsed time.
func (c *Commander) tickAwaitAccept(now time.Time) {
	if c.stopRequested {
		c.stop(now)
		return
	}

	status, err := c.bus.ReadStatus()
	if err != nil {
		c.fail(now, err)
		return
	}

	switch {
	case status.Fault:
		c.fail(now, fmt.Errorf("fault while awaiting acceptance: %w", ErrCommandRejected))
	case status.Moving:
		c.movingSince = now
		c.state = StateMoving
	case status.InPosition && c.withinTolerance(status.TCP):
		// Short move completed inside one poll interval; the busy bit was
		// missed but the controller is demonstrably at the commanded pose.
		c.movingSince = now
		c.state = StateMoving
	case now.Sub(c.sentAt) > c.cfg.AckTimeout:
		c.fail(now, fmt.Errorf("no acceptance within %s: %w", c.cfg.AckTimeout, ErrCommandRejected))
	}
}

// tickSupervise watches a move to completion or failure.
func (c *Commander) tickSupervise(now time.Time) {
	if c.stopRequested {
		c.stop(now)
		return
	}

	status, err := c.bus.ReadStatus()
	if err != nil {
		c.fail(now, err)
		return
	}

	switch {
	case status.Fault:
		c.fail(now, ErrMotionFault)
	case status.InPosition && c.withinTolerance(status.TCP):
		c.state = StateArrived
		c.record(now, StateArrived, "")
		log.Printf("motion: command %s arrived at (%.3f, %.3f, %.3f)",
			c.cmd.ID, status.TCP.X, status.TCP.Y, status.TCP.Z)
	case now.Sub(c.movingSince) > c.cfg.MotionTimeout:
		// Best-effort stop so the arm is not left running unsupervised.
		if stopErr := c.bus.Stop(); stopErr != nil {
			log.Printf("motion: stop after timeout failed: %v", stopErr)
		}
		c.fail(now, fmt.Errorf("no arrival within %s: %w", c.cfg.MotionTimeout, ErrMotionTimeout))
	}
}

// stop writes the dedicated stop flag and fails the command.
func (c *Commander) stop(now time.Time) {
	c.stopRequested = false
	if err := c.bus.Stop(); err != nil {
		c.fail(now, err)
		return
	}
	c.fail(now, ErrStopped)
}

// fail is the single terminal-failure transition. The failure stays latched
// until a new command attempt; there is no automatic retry of the same
// command.
func (c *Commander) fail(now time.Time, err error) {
	c.lastFailure = err
	c.state = StateFailed
	c.record(now, StateFailed, Kind(err))
	log.Printf("motion: command %s failed: %v", c.commandID(), err)
}

// record persists a terminal outcome when a recorder is attached.
func (c *Commander) record(now time.Time, state State, failureKind string) {
	if c.rec == nil || c.cmd == nil {
		return
	}
	if err := c.rec.RecordOutcome(c.cmd.ID, state, failureKind, now); err != nil {
		log.Printf("motion: record outcome for %s: %v", c.cmd.ID, err)
	}
}

func (c *Commander) commandID() string {
	if c.cmd == nil {
		return "<none>"
	}
	return c.cmd.ID
}

// withinTolerance compares the reported TCP pose with the commanded target.
func (c *Commander) withinTolerance(tcp r3.Vector) bool {
	return tcp.Sub(c.cmd.Target).Norm() <= c.cfg.ArrivalToleranceM
}

// validateReachable checks the declared workspace box and the maximum reach
// from the current tool position.
func (c *Commander) validateReachable(target, tool r3.Vector) error {
	minB, maxB := c.cfg.WorkspaceMin, c.cfg.WorkspaceMax
	if target.X < minB[0] || target.X > maxB[0] ||
		target.Y < minB[1] || target.Y > maxB[1] ||
		target.Z < minB[2] || target.Z > maxB[2] {
		return fmt.Errorf("outside workspace bounds: %w", ErrUnreachableTarget)
	}
	if c.cfg.MaxReachM > 0 {
		if reach := target.Sub(tool).Norm(); reach > c.cfg.MaxReachM {
			return fmt.Errorf("reach %.3fm exceeds limit %.3fm: %w",
				reach, c.cfg.MaxReachM, ErrUnreachableTarget)
		}
	}
	return nil
}

// Close disconnects the fieldbus session.
func (c *Commander) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	return c.bus.Disconnect()
}
