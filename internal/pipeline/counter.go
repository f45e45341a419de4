package pipeline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dayLayout = "2006-01-02"

// DailyPostCounter bounds auto-posts per calendar day in its location. The
// count rolls over on the first access after the date changes.
type DailyPostCounter struct {
	mu       sync.Mutex
	day      string
	count    int
	now      func() time.Time
	location *time.Location
}

// NewDailyPostCounter creates a counter for the current day. now defaults to
// time.Now; a nil loc uses the zone of the times now returns.
func NewDailyPostCounter(now func() time.Time, loc *time.Location) *DailyPostCounter {
	if now == nil {
		now = time.Now
	}
	c := &DailyPostCounter{now: now, location: loc}
	c.day = c.today()
	return c
}

func (c *DailyPostCounter) today() string {
	now := c.now()
	if c.location != nil {
		now = now.In(c.location)
	}
	return now.Format(dayLayout)
}

func (c *DailyPostCounter) rollover() {
	if today := c.today(); today != c.day {
		c.day = today
		c.count = 0
	}
}

// Allow reports whether another post fits under max today
func (c *DailyPostCounter) Allow(max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.count < max
}

// Increment records one successful post
func (c *DailyPostCounter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.count++
	return c.count
}

// Reset zeroes the count and moves to the current day
func (c *DailyPostCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = c.today()
	c.count = 0
	logrus.WithField("day", c.day).Info("Reset daily post count")
}

// Count returns today's posts
func (c *DailyPostCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.count
}
