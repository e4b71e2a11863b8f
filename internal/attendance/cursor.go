package attendance

// RosterCursor walks a fixed roster one student at a time. It only moves forward.
type RosterCursor struct {
	entries []RosterEntry
	pos     int
}

// NewRosterCursor copies entries; the order is the server's and stays fixed.
func NewRosterCursor(entries []RosterEntry) *RosterCursor {
	cp := make([]RosterEntry, len(entries))
	copy(cp, entries)
	return &RosterCursor{entries: cp}
}

// Current returns the entry under the cursor, or false once complete.
func (c *RosterCursor) Current() (RosterEntry, bool) {
	if c.IsComplete() {
		return RosterEntry{}, false
	}
	return c.entries[c.pos], true
}

// IsComplete is true when every entry has been passed. An empty roster is complete.
func (c *RosterCursor) IsComplete() bool { return c.pos >= len(c.entries) }

// Advance moves one position. It refuses to move past the end.
func (c *RosterCursor) Advance() error {
	if c.IsComplete() {
		return NewError(KindLifecycle, "cursor.advance", "roster already complete", nil)
	}
	c.pos++
	return nil
}

// SkipMarked advances past consecutive entries for which marked returns
// true and reports how many were skipped.
func (c *RosterCursor) SkipMarked(marked func(studentID string) bool) int {
	n := 0
	for !c.IsComplete() && marked(c.entries[c.pos].ID) {
		c.pos++
		n++
	}
	return n
}

// Position is the index of the current entry in roster order.
func (c *RosterCursor) Position() int { return c.pos }

// Len is the roster size.
func (c *RosterCursor) Len() int { return len(c.entries) }
