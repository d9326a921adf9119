package orchestrator

import "fmt"

// Cursor is a 1-based position in a playlist of fixed length. Advance and
// Retreat wrap, so an out-of-range position cannot be represented.
type Cursor struct {
	index int
	total int
}

// NewCursor starts at start, or at 1 when start is out of range.
func NewCursor(total, start int) (*Cursor, error) {
	if total < 1 {
		return nil, ErrEmptyPlaylist
	}
	if start < 1 || start > total {
		start = 1
	}
	return &Cursor{index: start, total: total}, nil
}

// Current returns the selected index.
func (c *Cursor) Current() int { return c.index }

// Total returns the playlist length.
func (c *Cursor) Total() int { return c.total }

// Advance moves forward one entry, from total back to 1.
func (c *Cursor) Advance() int {
	c.index = c.index%c.total + 1
	return c.index
}

// Retreat moves back one entry, from 1 around to total.
func (c *Cursor) Retreat() int {
	c.index = (c.index+c.total-2)%c.total + 1
	return c.index
}

// JumpTo selects n, even when n is already selected. Out-of-range n fails
// with ErrInvalidIndex and leaves the cursor untouched.
func (c *Cursor) JumpTo(n int) (int, error) {
	if n < 1 || n > c.total {
		return c.index, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidIndex, n, c.total)
	}
	c.index = n
	return c.index, nil
}
