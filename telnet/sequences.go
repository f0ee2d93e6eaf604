package telnet

// The setup and teardown blocks are byte-exact: clients depend on them.
var (
	setup = []byte{
		IAC, DO, OptLinemode,
		IAC, SB, OptLinemode, 1, 0, IAC, SE, // LINEMODE MODE 0: character at a time
		IAC, WILL, OptEcho,
		IAC, WILL, OptSuppressGoAhead,
		esc, '[', '?', '4', '7', 'h', // alternate screen
		esc, '[', '?', '2', '5', 'l', // hide cursor
		esc, '[', '?', '1', 'h', // application cursor keys
	}

	teardown = []byte{
		esc, '[', '3', '7', ';', '4', '0', 'm', // white on black
		esc, '[', '?', '2', '5', 'h', // show cursor
		esc, '[', '?', '1', '0', '4', '7', 'l', // leave alternate screen
	}
)

// Setup returns the bytes sent once when a client connects: telnet option
// negotiation followed by the terminal mode switches.
func Setup() []byte {
	return append([]byte(nil), setup...)
}

// Teardown returns the bytes sent when a client is disconnected gracefully.
func Teardown() []byte {
	return append([]byte(nil), teardown...)
}
