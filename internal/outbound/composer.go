package outbound

import "sync"

// Composer holds the draft the local participant is typing.
type Composer struct {
	mu   sync.Mutex
	text string
}

// Text returns the current draft.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Set replaces the draft.
func (c *Composer) Set(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Append adds s to the end of the draft.
func (c *Composer) Append(s string) {
	c.mu.Lock()
	c.text += s
	c.mu.Unlock()
}

// Clear empties the draft.
func (c *Composer) Clear() {
	c.Set("")
}

// Restore puts text that failed to send back in front of whatever was typed
// since, so nothing the participant wrote is lost.
func (c *Composer) Restore(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.text == "" {
		c.text = text
		return
	}
	c.text = text + "\n" + c.text
}
