package world

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrArenaFull is returned by NewPlayer when no free floor tile remains.
var ErrArenaFull = errors.New("arena has no free floor tile")

// ErrEmptyLevel is returned when a level has no floor tiles.
var ErrEmptyLevel = errors.New("level has no floor tiles")

const (
	cellWall  = '#'
	cellFloor = '.'
)

// ANSI color indexes.
const (
	colorBlack uint8 = iota
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite
)

var playerColors = []uint8{colorRed, colorGreen, colorBlue, colorMagenta, colorCyan}

// DefaultLevel is the level used when none is configured.
var DefaultLevel = []string{
	"##############################",
	"#............#...............#",
	"#............#...............#",
	"#....####....#....######.....#",
	"#....#..................#....#",
	"#....#..................#....#",
	"#.........######.............#",
	"#............................#",
	"#....#..................#....#",
	"#....####.........#######....#",
	"#.............#..............#",
	"##############################",
}

// ParseLevel reads a level from r: one row per line, '#' for walls and '.'
// for floor. Trailing carriage returns are dropped and blank lines ignored.
func ParseLevel(r io.Reader) ([]string, error) {
	var rows []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read level: %w", err)
	}

	return rows, nil
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithScreen sets the client screen size; the last row is the status line.
func WithScreen(width, height int) ArenaOption {
	return func(a *Arena) {
		a.screenW = width
		a.screenH = height
	}
}

// Arena is a shared level in which every connected client controls one '@'.
// Players move with the cursor keys and block each other; 'q' leaves and 'r'
// redraws the screen.
type Arena struct {
	rows    []string
	screenW int
	screenH int

	players []*arenaPlayer
	joined  int
}

type arenaPlayer struct {
	arena *Arena
	c     Client
	x, y  int
	color uint8
}

// NewArena creates an Arena from level rows.
//
// Parameters:
//   - level: The level rows; see ParseLevel
//   - opts: Optional settings
//
// Returns:
//   - The Arena, or ErrEmptyLevel if the level has no floor
func NewArena(level []string, opts ...ArenaOption) (*Arena, error) {
	a := &Arena{
		rows:    append([]string(nil), level...),
		screenW: 80,
		screenH: 24,
	}
	for _, o := range opts {
		o(a)
	}

	floor := false
	for _, row := range a.rows {
		if strings.IndexByte(row, cellFloor) >= 0 {
			floor = true
			break
		}
	}
	if !floor {
		return nil, ErrEmptyLevel
	}

	return a, nil
}

// Players returns the number of players in the arena.
func (a *Arena) Players() int {
	return len(a.players)
}

// NewPlayer implements World. The player is placed on the first free floor
// tile, scanning from a position that rotates with every join.
func (a *Arena) NewPlayer(c Client) (Player, error) {
	x, y, ok := a.spawnPoint()
	if !ok {
		return nil, ErrArenaFull
	}

	p := &arenaPlayer{
		arena: a,
		c:     c,
		x:     x,
		y:     y,
		color: playerColors[a.joined%len(playerColors)],
	}
	a.joined++
	a.players = append(a.players, p)

	a.broadcast(p, append(a.statusPoints(), Point{X: x, Y: y}))
	return p, nil
}

// RemovePlayer implements World.
func (a *Arena) RemovePlayer(pl Player) {
	p, ok := pl.(*arenaPlayer)
	if !ok {
		return
	}

	for i, other := range a.players {
		if other == p {
			a.players = append(a.players[:i], a.players[i+1:]...)
			a.broadcast(nil, append(a.statusPoints(), Point{X: p.x, Y: p.y}))
			return
		}
	}
}

func (a *Arena) spawnPoint() (int, int, bool) {
	var cells []Point
	for y, row := range a.rows {
		if y >= a.screenH-1 {
			break
		}
		for x := 0; x < len(row) && x < a.screenW; x++ {
			if row[x] == cellFloor {
				cells = append(cells, Point{X: x, Y: y})
			}
		}
	}

	for i := range cells {
		c := cells[(a.joined*7+i)%len(cells)]
		if a.playerAt(c.X, c.Y) == nil {
			return c.X, c.Y, true
		}
	}

	return 0, 0, false
}

func (a *Arena) playerAt(x, y int) *arenaPlayer {
	for _, p := range a.players {
		if p.x == x && p.y == y {
			return p
		}
	}

	return nil
}

func (a *Arena) cell(x, y int) byte {
	if y < 0 || y >= len(a.rows) || x < 0 || x >= len(a.rows[y]) {
		return ' '
	}

	return a.rows[y][x]
}

// broadcast sends points to every player except skip.
func (a *Arena) broadcast(skip *arenaPlayer, points []Point) {
	for _, p := range a.players {
		if p != skip {
			p.c.Update(points)
		}
	}
}

func (a *Arena) statusText() string {
	s := fmt.Sprintf(" tilenet | players: %d | arrows move, r redraws, q quits", len(a.players))
	if len(s) < a.screenW {
		s += strings.Repeat(" ", a.screenW-len(s))
	}

	return s
}

func (a *Arena) statusPoints() []Point {
	points := make([]Point, a.screenW)
	for x := range points {
		points[x] = Point{X: x, Y: a.screenH - 1}
	}

	return points
}

func (p *arenaPlayer) Tile(x, y int) Tile {
	a := p.arena
	if y == a.screenH-1 {
		s := a.statusText()
		ch := byte(' ')
		if x < len(s) {
			ch = s[x]
		}
		return Tile{Ch: ch, FG: colorBlack, BG: colorWhite}
	}

	if other := a.playerAt(x, y); other != nil {
		if other == p {
			return Tile{Ch: '@', FG: colorYellow, BG: colorBlack}
		}
		return Tile{Ch: '@', FG: other.color, BG: colorBlack}
	}

	switch a.cell(x, y) {
	case cellWall:
		return Tile{Ch: '#', FG: colorWhite, BG: colorBlack}
	case cellFloor:
		return Tile{Ch: '.', FG: colorGreen, BG: colorBlack}
	default:
		return Tile{Ch: ' ', FG: colorWhite, BG: colorBlack}
	}
}

func (p *arenaPlayer) Key(b byte) {
	switch b {
	case 'q', 'Q':
		p.c.Stop()
	case 'r', 'R':
		p.c.Refresh()
	}
}

func (p *arenaPlayer) Up()    { p.move(0, -1) }
func (p *arenaPlayer) Down()  { p.move(0, 1) }
func (p *arenaPlayer) Left()  { p.move(-1, 0) }
func (p *arenaPlayer) Right() { p.move(1, 0) }

func (p *arenaPlayer) move(dx, dy int) {
	a := p.arena
	nx, ny := p.x+dx, p.y+dy
	if ny >= a.screenH-1 || nx >= a.screenW || a.cell(nx, ny) != cellFloor || a.playerAt(nx, ny) != nil {
		return
	}

	old := Point{X: p.x, Y: p.y}
	p.x, p.y = nx, ny
	a.broadcast(nil, []Point{old, {X: nx, Y: ny}})
}
