package tcpserver

import (
	"errors"
	"fmt"
	"io"

	"github.com/cyberinferno/tilenet/cotask"
	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/telnet"
)

// writeLoop is the writer task. It queues the terminal setup, then keeps
// rendering and flushing until nothing more can be sent without blocking,
// and yields. Once the connection is stopping it replaces whatever was not
// yet sent with the terminal teardown and flushes that out. Freeing ends it
// at the next yield without sending anything more.
func (c *Connection) writeLoop(t *cotask.Task) {
	defer c.set(flagWriterStopped)

	if err := c.buf.Append(telnet.Setup()); err != nil {
		c.fail(fmt.Errorf("queue setup: %w", err))
		return
	}

	for {
		for {
			c.screen.Background()
			if c.buf.Len() == 0 {
				break
			}

			if err := c.flush(); err != nil {
				c.fail(err)
				return
			}
			if !c.has(flagWritable) {
				break
			}
		}

		t.Yield()
		if c.state == StateFreeing {
			return
		}
		if c.state != StateActive {
			break
		}
	}

	c.buf.TrimToLastDelimiter()
	c.screen.Invalidate()
	if err := c.buf.Append(telnet.Teardown()); err != nil {
		c.fail(fmt.Errorf("queue teardown: %w", err))
		return
	}

	for {
		if err := c.flush(); err != nil {
			c.fail(err)
			return
		}
		if c.buf.Len() == 0 {
			return
		}

		t.Yield()
		if c.state == StateFreeing {
			return
		}
	}
}

// flush sends what the socket accepts. Running out of socket space clears
// the writable flag; any other failure is returned.
func (c *Connection) flush() error {
	if !c.has(flagWritable) || c.buf.Len() == 0 {
		return nil
	}

	n, err := c.buf.Flush(c.sock)
	c.metrics.BytesSent(n)
	if err == nil {
		return nil
	}

	if errors.Is(err, netloop.ErrWouldBlock) || errors.Is(err, io.ErrShortWrite) {
		c.clear(flagWritable)
		return nil
	}

	return fmt.Errorf("write: %w", err)
}
