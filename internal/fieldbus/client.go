// Package fieldbus is the Modbus/TCP session to the robot controller. It
// exposes the handful of operations the motion commander needs — write a
// target, read status, stop, drive bring-up — over a single persistent
// connection with bounded reconnection. Register reads and writes are
// synchronous round trips with a per-call timeout; a timed-out call is
// reported as a failure, never silently retried here. Retry policy belongs
// to the commander, which has the context to decide whether a retry is safe.
package fieldbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/golang/geo/r3"

	"github.com/eidos-vision/pickpoint/internal/config"
)

// ErrCommunicationLost is surfaced when an operation fails and the bounded
// reconnect policy could not restore the session.
var ErrCommunicationLost = errors.New("fieldbus communication lost")

// defaultPulseWidth is the dwell between the rising and falling edge of a
// pulse-style flag register write, matching the controller's scan interval.
const defaultPulseWidth = 100 * time.Millisecond

// Conn is the register-level transport. The production implementation is a
// goburrow Modbus/TCP client; tests substitute an in-process register bank.
type Conn interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Config holds connection parameters and the deployment register layout.
type Config struct {
	Address        string // host:port
	UnitID         byte
	CallTimeout    time.Duration
	ReconnectDelay time.Duration // initial backoff, doubled per attempt
	MaxReconnects  int
	PulseWidth     time.Duration

	Registers config.RegisterMap
	Scale     float64 // core metres → controller units (e.g. 1000 for mm)
	MoveProg  int     // controller program for a linear move
}

// Client owns the fieldbus session. Exactly one Client exists per robot and
// it is owned exclusively by the motion commander; no other component may
// open a competing session.
type Client struct {
	mu  sync.Mutex
	cfg Config

	handler   *modbus.TCPClientHandler
	conn      Conn
	connected bool
}

// NewClient creates a client for the given controller endpoint. No
// connection is made until the first operation or an explicit Connect.
func NewClient(cfg Config) *Client {
	if cfg.PulseWidth == 0 {
		cfg.PulseWidth = defaultPulseWidth
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}

	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.Timeout = cfg.CallTimeout
	handler.SlaveId = cfg.UnitID

	return &Client{
		cfg:     cfg,
		handler: handler,
		conn:    modbus.NewClient(handler),
	}
}

// NewClientWithConn wraps an existing register transport. Reconnection is
// disabled; the transport is assumed live. Intended for tests and the
// controller simulator.
func NewClientWithConn(cfg Config, conn Conn) *Client {
	if cfg.PulseWidth == 0 {
		cfg.PulseWidth = time.Millisecond // keep simulated pulses fast
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	return &Client{cfg: cfg, conn: conn, connected: true}
}

// Connect establishes the session, retrying per the reconnect policy.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected()
}

// Disconnect closes the session. Safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.handler == nil {
		return nil
	}
	if err := c.handler.Close(); err != nil {
		return fmt.Errorf("close fieldbus session: %w", err)
	}
	return nil
}

// ensureConnected dials with bounded, backed-off attempts. Callers hold the
// lock. When no handler exists (injected transport) the session is whatever
// the transport is.
func (c *Client) ensureConnected() error {
	if c.connected {
		return nil
	}
	if c.handler == nil {
		return fmt.Errorf("injected transport is closed: %w", ErrCommunicationLost)
	}

	delay := c.cfg.ReconnectDelay
	attempts := c.cfg.MaxReconnects
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = c.handler.Connect(); lastErr == nil {
			c.connected = true
			return nil
		}
	}
	return fmt.Errorf("connect to %s after %d attempts: %v: %w",
		c.cfg.Address, attempts, lastErr, ErrCommunicationLost)
}

// do runs one register operation on a live session. An operation error
// drops the session so the next call goes through the reconnect path.
func (c *Client) do(op func(Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := op(c.conn); err != nil {
		c.connected = c.handler == nil // injected transports stay nominally live
		return fmt.Errorf("fieldbus operation failed: %v: %w", err, ErrCommunicationLost)
	}
	return nil
}

// WriteTarget writes the base-frame target position into the controller's
// target registers and triggers the linear-move program. The controller
// latches the coordinates on the program-start pulse.
func (c *Client) WriteTarget(target r3.Vector) error {
	regs := c.cfg.Registers
	coords := []struct {
		addr  uint16
		value float64
	}{
		{regs.TargetX, target.X},
		{regs.TargetY, target.Y},
		{regs.TargetZ, target.Z},
	}

	return c.do(func(conn Conn) error {
		for _, co := range coords {
			payload := encodeFloat32(float32(co.value * c.cfg.Scale))
			if _, err := conn.WriteMultipleRegisters(co.addr, 2, payload); err != nil {
				return fmt.Errorf("write target register %d: %w", co.addr, err)
			}
		}
		if _, err := conn.WriteSingleRegister(regs.ProgramNumber, uint16(c.cfg.MoveProg)); err != nil {
			return fmt.Errorf("write program number: %w", err)
		}
		return c.pulse(conn, regs.StartProgram)
	})
}

// ReadStatus performs a fresh read of the status word and the reported TCP
// position. Nothing is cached between calls.
func (c *Client) ReadStatus() (Status, error) {
	regs := c.cfg.Registers
	var status Status

	err := c.do(func(conn Conn) error {
		raw, err := conn.ReadHoldingRegisters(regs.StatusWord, 1)
		if err != nil {
			return fmt.Errorf("read status word: %w", err)
		}
		if len(raw) < 2 {
			return fmt.Errorf("short status read: %d bytes", len(raw))
		}
		status = decodeStatusWord(uint16(raw[0])<<8 | uint16(raw[1]))

		pose, err := c.readPose(conn)
		if err != nil {
			return err
		}
		status.TCP = pose
		return nil
	})
	return status, err
}

// readPose reads the controller's reported TCP position registers.
func (c *Client) readPose(conn Conn) (r3.Vector, error) {
	regs := c.cfg.Registers
	var out [3]float64
	for i, addr := range [3]uint16{regs.ActualX, regs.ActualY, regs.ActualZ} {
		raw, err := conn.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("read pose register %d: %w", addr, err)
		}
		if len(raw) < 4 {
			return r3.Vector{}, fmt.Errorf("short pose read: %d bytes", len(raw))
		}
		out[i] = float64(decodeFloat32(raw)) / c.cfg.Scale
	}
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Stop pulses the controller's stop flag, aborting any motion in progress.
func (c *Client) Stop() error {
	return c.do(func(conn Conn) error {
		return c.pulse(conn, c.cfg.Registers.StopMotion)
	})
}

// ResetErrors pulses the fault-reset flag, clearing latched drive errors.
func (c *Client) ResetErrors() error {
	return c.do(func(conn Conn) error {
		return c.pulse(conn, c.cfg.Registers.ResetErrors)
	})
}

// EnableDrives asserts the drive-enable flag, permitting motion on all axes.
func (c *Client) EnableDrives() error {
	return c.do(func(conn Conn) error {
		if _, err := conn.WriteSingleRegister(c.cfg.Registers.EnableDrives, 1); err != nil {
			return fmt.Errorf("enable drives: %w", err)
		}
		return nil
	})
}

// pulse writes a rising then falling edge to a flag register, with a dwell
// long enough for the controller's scan cycle to latch it.
func (c *Client) pulse(conn Conn, addr uint16) error {
	if _, err := conn.WriteSingleRegister(addr, 1); err != nil {
		return fmt.Errorf("pulse register %d high: %w", addr, err)
	}
	time.Sleep(c.cfg.PulseWidth)
	if _, err := conn.WriteSingleRegister(addr, 0); err != nil {
		return fmt.Errorf("pulse register %d low: %w", addr, err)
	}
	return nil
}
