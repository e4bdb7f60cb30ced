package fieldbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/eidos-vision/pickpoint/internal/config"
)

// SimController is an in-process register bank that behaves like the robot
// controller: it latches target coordinates on the program-start pulse,
// reports the busy bit while a simulated move runs, and settles in position
// at the target. It backs dev mode and the protocol/commander tests.
//
// Failure injection knobs cover the supervision paths: a controller that
// never accepts, a fault mid-motion, and a dead link.
type SimController struct {
	mu   sync.Mutex
	regs config.RegisterMap
	bank map[uint16]uint16

	// MoveDuration is how long a simulated move takes.
	MoveDuration time.Duration

	// IgnoreStart drops program-start pulses: commands are never accepted.
	IgnoreStart bool
	// FaultAfter latches the fault bit this long into a move. Zero disables.
	FaultAfter time.Duration
	// Offline makes every register operation fail, simulating a dead link.
	Offline bool

	drivesEnabled bool
	fault         bool

	moving    bool
	startedAt time.Time
	origin    [3]float64 // controller units
	target    [3]float64
	actual    [3]float64
}

// NewSimController creates a simulator for the given register layout with
// the tool at the origin.
func NewSimController(regs config.RegisterMap, moveDuration time.Duration) *SimController {
	return &SimController{
		regs:         regs,
		bank:         make(map[uint16]uint16),
		MoveDuration: moveDuration,
	}
}

// SetActual places the simulated tool, in controller units.
func (s *SimController) SetActual(x, y, z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actual = [3]float64{x, y, z}
}

// InjectFault latches the fault bit immediately.
func (s *SimController) InjectFault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = true
}

// step advances the simulated motion to the current time. Callers hold the
// lock.
func (s *SimController) step(now time.Time) {
	if !s.moving {
		return
	}

	elapsed := now.Sub(s.startedAt)
	if s.FaultAfter > 0 && elapsed >= s.FaultAfter {
		s.fault = true
		s.moving = false
		return
	}

	if elapsed >= s.MoveDuration {
		s.actual = s.target
		s.moving = false
		return
	}

	frac := float64(elapsed) / float64(s.MoveDuration)
	for i := 0; i < 3; i++ {
		s.actual[i] = s.origin[i] + (s.target[i]-s.origin[i])*frac
	}
}

// statusWord assembles the packed status register. Callers hold the lock.
func (s *SimController) statusWord() uint16 {
	var word uint16
	if s.drivesEnabled && !s.moving && !s.fault {
		word |= statusBitReady
	}
	if s.moving {
		word |= statusBitMoving
	}
	if !s.moving && !s.fault && s.actual == s.target && s.startedAt != (time.Time{}) {
		word |= statusBitInPosition
	}
	if s.fault {
		word |= statusBitFault
	}
	return word
}

// readFloatPair decodes the two-register float at addr from the bank.
// Callers hold the lock.
func (s *SimController) readFloatPair(addr uint16) float64 {
	lo, hi := s.bank[addr], s.bank[addr+1]
	return float64(decodeFloat32([]byte{byte(lo >> 8), byte(lo), byte(hi >> 8), byte(hi)}))
}

// ReadHoldingRegisters implements Conn.
func (s *SimController) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Offline {
		return nil, fmt.Errorf("simulated link down")
	}
	s.step(time.Now())

	// Refresh the derived registers before serving the read.
	s.bank[s.regs.StatusWord] = s.statusWord()
	for i, addr := range [3]uint16{s.regs.ActualX, s.regs.ActualY, s.regs.ActualZ} {
		payload := encodeFloat32(float32(s.actual[i]))
		s.bank[addr] = uint16(payload[0])<<8 | uint16(payload[1])
		s.bank[addr+1] = uint16(payload[2])<<8 | uint16(payload[3])
	}

	out := make([]byte, 0, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		v := s.bank[address+i]
		out = append(out, byte(v>>8), byte(v))
	}
	return out, nil
}

// WriteSingleRegister implements Conn. Rising edges on the flag registers
// drive the simulated controller behaviour.
func (s *SimController) WriteSingleRegister(address, value uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Offline {
		return nil, fmt.Errorf("simulated link down")
	}

	prev := s.bank[address]
	s.bank[address] = value
	rising := prev == 0 && value != 0

	switch address {
	case s.regs.EnableDrives:
		s.drivesEnabled = value != 0
	case s.regs.ResetErrors:
		if rising {
			s.fault = false
		}
	case s.regs.StartProgram:
		if rising && !s.IgnoreStart && s.drivesEnabled && !s.fault {
			s.origin = s.actual
			s.target = [3]float64{
				s.readFloatPair(s.regs.TargetX),
				s.readFloatPair(s.regs.TargetY),
				s.readFloatPair(s.regs.TargetZ),
			}
			s.moving = true
			s.startedAt = time.Now()
		}
	case s.regs.StopMotion:
		if rising && s.moving {
			s.step(time.Now()) // freeze wherever the tool is now
			s.moving = false
			s.target = [3]float64{} // not in position anywhere
		}
	}

	return []byte{byte(address >> 8), byte(address), byte(value >> 8), byte(value)}, nil
}

// WriteMultipleRegisters implements Conn.
func (s *SimController) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Offline {
		return nil, fmt.Errorf("simulated link down")
	}
	if len(value) < int(quantity)*2 {
		return nil, fmt.Errorf("short write payload: %d bytes for %d registers", len(value), quantity)
	}

	for i := uint16(0); i < quantity; i++ {
		s.bank[address+i] = uint16(value[i*2])<<8 | uint16(value[i*2+1])
	}
	return []byte{byte(address >> 8), byte(address), byte(quantity >> 8), byte(quantity)}, nil
}
