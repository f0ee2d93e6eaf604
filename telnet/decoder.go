// Package telnet decodes the inbound byte stream of a telnet client into
// key presses and cursor movements, and holds the fixed byte blocks sent to
// set a client's terminal up and restore it afterwards.
//
// Decoding happens in two layers. The telnet layer strips IAC command and
// option negotiation sequences; whatever data remains is fed to the terminal
// layer, which recognizes the cursor-key escape sequences. Both layers are
// small state machines with a transition for every byte value, so malformed
// input is dropped rather than reported.
package telnet

// Telnet command bytes (RFC 854).
const (
	SE   byte = 240
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// Telnet options used during setup.
const (
	OptEcho            byte = 1
	OptSuppressGoAhead byte = 3
	OptLinemode        byte = 34
)

const esc = 27

// Handler receives decoded input events.
type Handler interface {
	Key(b byte)
	Up()
	Down()
	Left()
	Right()
}

// TelnetState is the state of the telnet layer.
type TelnetState int

const (
	TelnetNormal TelnetState = iota
	TelnetIAC
	TelnetSubneg
	TelnetOption
)

// String returns the state name.
func (s TelnetState) String() string {
	switch s {
	case TelnetNormal:
		return "Normal"
	case TelnetIAC:
		return "IAC"
	case TelnetSubneg:
		return "Subnegotiation"
	case TelnetOption:
		return "Option"
	default:
		return "Unknown"
	}
}

// TerminalState is the state of the terminal layer.
type TerminalState int

const (
	TerminalNormal TerminalState = iota
	TerminalEscape
	TerminalCSI
)

// String returns the state name.
func (s TerminalState) String() string {
	switch s {
	case TerminalNormal:
		return "Normal"
	case TerminalEscape:
		return "Escape"
	case TerminalCSI:
		return "CSI"
	default:
		return "Unknown"
	}
}

// Decoder carries both layers' state across reads. It does no buffering:
// each byte causes at most one transition per layer and at most one event.
type Decoder struct {
	h        Handler
	telnet   TelnetState
	terminal TerminalState
}

// NewDecoder returns a Decoder delivering events to h.
func NewDecoder(h Handler) *Decoder {
	return &Decoder{h: h}
}

// Decode feeds p through the decoder.
func (d *Decoder) Decode(p []byte) {
	for _, b := range p {
		d.DecodeByte(b)
	}
}

// DecodeByte feeds a single byte through the telnet layer.
func (d *Decoder) DecodeByte(b byte) {
	switch d.telnet {
	case TelnetNormal:
		if b == IAC {
			d.telnet = TelnetIAC
		} else {
			d.terminalByte(b)
		}
	case TelnetIAC:
		switch {
		case b == IAC:
			// Escaped data byte 255.
			d.terminalByte(IAC)
			d.telnet = TelnetNormal
		case b == SB:
			d.telnet = TelnetSubneg
		case b >= WILL && b <= DONT:
			d.telnet = TelnetOption
		default:
			d.telnet = TelnetNormal
		}
	case TelnetSubneg:
		if b == SE {
			d.telnet = TelnetNormal
		}
	case TelnetOption:
		d.telnet = TelnetNormal
	}
}

// State returns the current state of both layers.
func (d *Decoder) State() (TelnetState, TerminalState) {
	return d.telnet, d.terminal
}

// Reset returns both layers to their normal state.
func (d *Decoder) Reset() {
	d.telnet = TelnetNormal
	d.terminal = TerminalNormal
}

func (d *Decoder) terminalByte(b byte) {
	switch d.terminal {
	case TerminalNormal:
		if b == esc {
			d.terminal = TerminalEscape
		} else {
			d.h.Key(b)
		}
	case TerminalEscape:
		// The introducer ('[' or 'O') is not checked.
		d.terminal = TerminalCSI
	case TerminalCSI:
		switch b {
		case 'A':
			d.h.Up()
		case 'B':
			d.h.Down()
		case 'C':
			d.h.Right()
		case 'D':
			d.h.Left()
		}
		d.terminal = TerminalNormal
	}
}
