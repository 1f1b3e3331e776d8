package room

import "time"

// Cursor is a collaborator's pointer position in document coordinates.
type Cursor struct {
	X float64
	Y float64
}

// Collaborator is one connected participant's presence state within a room.
// It is owned exclusively by the room it joined and mutated only through
// messages from its own connection, or removed by the idle reaper.
type Collaborator struct {
	UserID           string
	ConnectionID     string
	DisplayName      string
	ColorToken       string
	Cursor           *Cursor
	SelectionFieldID string
	LastActivityAt   time.Time
}

// touch advances the activity timestamp. It never moves backwards.
func (c *Collaborator) touch(now time.Time) {
	if now.After(c.LastActivityAt) {
		c.LastActivityAt = now
	}
}
