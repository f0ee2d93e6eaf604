// Package world defines the contract between client connections and the
// simulation they display, and provides Arena, a small shared level that
// players walk around in.
//
// All calls in both directions happen on the dispatcher's goroutine or on a
// connection task it resumed, never concurrently, so implementations need no
// locking.
package world

// Tile is what one screen cell shows. FG and BG are ANSI color indexes 0-7.
type Tile struct {
	Ch byte
	FG uint8
	BG uint8
}

// Point is a screen coordinate, origin top-left.
type Point struct {
	X, Y int
}

// Client is the connection side of a player. The world calls it when the
// player's view changes or when the player should be disconnected.
type Client interface {
	// Update redraws the given cells.
	Update(points []Point)
	// Refresh redraws the whole screen.
	Refresh()
	// Stop asks for the client to be disconnected.
	Stop()
}

// Player is the world side of a connected client.
type Player interface {
	// Tile returns what the player sees at (x, y).
	Tile(x, y int) Tile
	Key(b byte)
	Up()
	Down()
	Left()
	Right()
}

// World creates and destroys players.
type World interface {
	NewPlayer(c Client) (Player, error)
	RemovePlayer(p Player)
}
