// Package roomtest provides a recording room.Conn for tests.
package roomtest

import (
	"errors"
	"sync"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

// Frame is one recorded emission.
type Frame struct {
	Event   string
	Payload json.RawMessage
}

// Conn records every event sent to it.
type Conn struct {
	id     string
	userID string

	mu     sync.Mutex
	frames []Frame
	closed bool
}

func NewConn(id, userID string) *Conn {
	return &Conn{id: id, userID: userID}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(event string, payload interface{}) error {
	raw, err := json.Raw(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, Frame{Event: event, Payload: raw})
	return nil
}

// Close makes later sends fail.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Count returns how many frames carried event.
func (c *Conn) Count(event string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent frame carrying event.
func (c *Conn) Last(event string) (Frame, bool) {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return Frame{}, false
}
