package kernel

import (
	"bytes"
	"sync"
)

// Console is a minimal in-memory stand-in for the out-of-scope VGA/keyboard
// driver (spec.md 1): writes accumulate in a buffer tests can inspect,
// reads are served from a pre-loaded input queue.
type Console struct {
	mu  sync.Mutex
	out bytes.Buffer
	in  []byte
}

// NewConsole builds an empty console.
func NewConsole() *Console { return &Console{} }

func (c *Console) WriteString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.WriteString(s)
}

func (c *Console) ReadByte() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

// Feed queues bytes for future Cgetc calls.
func (c *Console) Feed(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, s...)
}

// Output returns everything written so far.
func (c *Console) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}
