package tcpserver

import (
	"errors"
	"fmt"
	"io"

	"github.com/cyberinferno/tilenet/cotask"
	"github.com/cyberinferno/tilenet/netloop"
)

// readLoop is the reader task. It reads while the socket is readable,
// decodes each chunk into player input and yields after every chunk and
// whenever the socket runs dry. It ends when the connection leaves the
// active state or a read fails.
func (c *Connection) readLoop(t *cotask.Task) {
	defer c.set(flagReaderStopped)

	for c.state == StateActive {
		for c.has(flagReadable) {
			n, err := c.sock.Read(c.readBuf)
			if n > 0 {
				c.metrics.BytesReceived(n)
				c.decoder.Decode(c.readBuf[:n])
			}

			if err != nil {
				if errors.Is(err, netloop.ErrWouldBlock) {
					c.clear(flagReadable)
					break
				}
				if errors.Is(err, io.EOF) {
					c.clear(flagReadable)
					c.set(flagWantStop)
					break
				}

				c.fail(fmt.Errorf("read: %w", err))
				return
			}

			t.Yield()
			if c.state != StateActive {
				return
			}
		}

		t.Yield()
	}
}
