package config

import (
	"sync"
	"time"
)

type TimestampGenerator interface {
	Now() time.Time
}

type RealTimestampGenerator struct{}

func (t RealTimestampGenerator) Now() time.Time {
	return time.Now()
}

// FixedTimestampGenerator only moves when told to
type FixedTimestampGenerator struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedTimestampGenerator(t time.Time) *FixedTimestampGenerator {
	return &FixedTimestampGenerator{t: t}
}

func (f *FixedTimestampGenerator) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *FixedTimestampGenerator) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
