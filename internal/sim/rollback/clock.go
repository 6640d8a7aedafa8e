package rollback

import (
	"time"

	"rollnet.dev/internal/protocol"
)

// Clock maps wall-clock time to frame numbers. It is owned by one goroutine.
type Clock struct {
	epoch time.Time
	tick  time.Duration
	last  protocol.Frame
}

func NewClock(epoch time.Time, tickRateHz int) *Clock {
	if tickRateHz <= 0 {
		tickRateHz = 50
	}
	return &Clock{epoch: epoch, tick: time.Second / time.Duration(tickRateHz)}
}

// Tick returns floor((now-epoch)/tick), never less than a previous result.
func (c *Clock) Tick(now time.Time) protocol.Frame {
	if now.Before(c.epoch) {
		return c.last
	}
	f := protocol.Frame(now.Sub(c.epoch) / c.tick)
	if f > c.last {
		c.last = f
	}
	return c.last
}

func (c *Clock) Epoch() time.Time            { return c.epoch }
func (c *Clock) TickDuration() time.Duration { return c.tick }

// Delay moves the epoch later by d, pausing frame production until wall
// clock catches up.
func (c *Clock) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.epoch = c.epoch.Add(d)
}

// FrameTime is the wall-clock start of frame f.
func (c *Clock) FrameTime(f protocol.Frame) time.Time {
	return c.epoch.Add(time.Duration(f) * c.tick)
}
