package fieldbus

import "github.com/golang/geo/r3"

// Status word bits, per the controller's global-variables signal layout.
const (
	statusBitReady      = 1 << 0 // drives enabled, no pending command
	statusBitMoving     = 1 << 1 // controller has accepted the move and is busy
	statusBitInPosition = 1 << 2 // TCP settled at the commanded pose
	statusBitFault      = 1 << 3 // drive or program fault latched
)

// Status is one fresh read of the controller's state: the decoded status
// word plus the reported TCP position in base-frame metres.
type Status struct {
	Word       uint16
	Ready      bool
	Moving     bool
	InPosition bool
	Fault      bool

	TCP r3.Vector // reported tool position, base frame (metres)
}

// decodeStatusWord expands the packed status register.
func decodeStatusWord(word uint16) Status {
	return Status{
		Word:       word,
		Ready:      word&statusBitReady != 0,
		Moving:     word&statusBitMoving != 0,
		InPosition: word&statusBitInPosition != 0,
		Fault:      word&statusBitFault != 0,
	}
}
