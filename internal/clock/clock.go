package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func NewRealClock() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock 可手动推进的时钟，并发安全。
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.currentTime = t
	c.mu.Unlock()
}

func (c *MockClock) Add(d time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(d)
	c.mu.Unlock()
}
