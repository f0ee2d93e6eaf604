// Package screen turns changed world tiles into the shortest ANSI byte
// sequences that redraw them, queueing each tile as one record in a
// writebuffer.Buffer.
//
// The Writer tracks where the terminal's cursor is and which colors are
// active, and only emits a cursor move or a color change when the tile
// needs one. A background sweep redraws the whole screen row by row, always
// leaving headroom in the buffer so interactive updates are never starved.
package screen

import (
	"strconv"

	"github.com/cyberinferno/tilenet/world"
	"github.com/cyberinferno/tilenet/writebuffer"
)

// Defaults match a plain 80x24 VT100.
const (
	DefaultWidth    = 80
	DefaultHeight   = 24
	DefaultHeadroom = 256
)

// Terminal colors assumed after setup: white on black.
const (
	initialFG = 7
	initialBG = 0
)

const unknown = -1

// TileSource supplies what a cell shows.
type TileSource interface {
	Tile(x, y int) world.Tile
}

// Option configures a Writer.
type Option func(*Writer)

// WithSize sets the screen size in cells.
func WithSize(width, height int) Option {
	return func(w *Writer) {
		w.width = width
		w.height = height
	}
}

// WithHeadroom sets how many bytes of buffer space the background refresh
// leaves free for interactive updates.
func WithHeadroom(n int) Option {
	return func(w *Writer) {
		w.headroom = n
	}
}

// Writer renders tiles into a write buffer. It is not safe for concurrent use.
type Writer struct {
	src      TileSource
	buf      *writebuffer.Buffer
	width    int
	height   int
	headroom int

	cursorX, cursorY int
	fg, bg           int

	progress int
	scratch  []byte
}

// New returns a Writer that has not drawn anything yet; its first
// Background call starts a full redraw.
//
// Parameters:
//   - src: Where tiles come from
//   - buf: The buffer records are appended to
//   - opts: Optional settings
//
// Returns:
//   - The Writer
func New(src TileSource, buf *writebuffer.Buffer, opts ...Option) *Writer {
	w := &Writer{
		src:      src,
		buf:      buf,
		width:    DefaultWidth,
		height:   DefaultHeight,
		headroom: DefaultHeadroom,
		cursorX:  unknown,
		cursorY:  unknown,
		fg:       initialFG,
		bg:       initialBG,
		scratch:  make([]byte, 0, 32),
	}
	for _, o := range opts {
		o(w)
	}

	return w
}

// Complete reports whether the full redraw has queued every cell.
func (w *Writer) Complete() bool {
	return w.progress >= w.width*w.height
}

// RenderTile queues the record that draws (x, y). The cursor and color
// state is only updated when the record was accepted.
//
// Parameters:
//   - x, y: The cell to draw
//
// Returns:
//   - writebuffer.ErrFull if the record does not fit
func (w *Writer) RenderTile(x, y int) error {
	t := w.src.Tile(x, y)
	fg, bg := int(t.FG), int(t.BG)

	rec := w.scratch[:0]
	if x != w.cursorX || y != w.cursorY {
		rec = append(rec, 0x1b, '[')
		rec = strconv.AppendInt(rec, int64(y+1), 10)
		rec = append(rec, ';')
		rec = strconv.AppendInt(rec, int64(x+1), 10)
		rec = append(rec, 'H')
	}

	fgChanged, bgChanged := fg != w.fg, bg != w.bg
	if fgChanged || bgChanged {
		rec = append(rec, 0x1b, '[')
		if fgChanged {
			rec = strconv.AppendInt(rec, int64(30+fg), 10)
		}
		if fgChanged && bgChanged {
			rec = append(rec, ';')
		}
		if bgChanged {
			rec = strconv.AppendInt(rec, int64(40+bg), 10)
		}
		rec = append(rec, 'm')
	}
	rec = append(rec, t.Ch)
	w.scratch = rec

	if err := w.buf.Append(rec); err != nil {
		return err
	}

	// The terminal advances the cursor past the character it just printed.
	w.cursorX, w.cursorY = x+1, y
	w.fg, w.bg = fg, bg
	return nil
}

// Update queues the given cells in order. If one does not fit, everything
// not yet on its way to the client is discarded and a full redraw is
// restarted instead, so the screen never ends up half updated.
//
// Parameters:
//   - points: The cells to redraw; cells outside the screen are skipped
//
// Returns:
//   - false if the batch was abandoned for lack of space
func (w *Writer) Update(points []world.Point) bool {
	for _, p := range points {
		if p.X < 0 || p.Y < 0 || p.X >= w.width || p.Y >= w.height {
			continue
		}
		if err := w.RenderTile(p.X, p.Y); err != nil {
			w.Refresh()
			return false
		}
	}

	return true
}

// Refresh drops queued records that have not started going out and restarts
// the full redraw from the top-left cell.
func (w *Writer) Refresh() {
	w.buf.TrimToLastDelimiter()
	w.Invalidate()
	w.progress = 0
}

// Background continues the full redraw in row-major order until it is done
// or less than the headroom is left in the buffer.
func (w *Writer) Background() {
	for !w.Complete() {
		if w.buf.Free() < w.headroom {
			return
		}
		if err := w.RenderTile(w.progress%w.width, w.progress/w.width); err != nil {
			return
		}
		w.progress++
	}
}

// Invalidate forgets the tracked cursor position and colors so the next
// record sets both explicitly. It must follow any trim of the buffer, since
// the dropped records never reach the terminal.
func (w *Writer) Invalidate() {
	w.cursorX, w.cursorY = unknown, unknown
	w.fg, w.bg = unknown, unknown
}
