package sessionpool

import (
	"fmt"
	"sync"
	"time"
)

// Stats is a snapshot of session acquisition metrics.
type Stats struct {
	Attempts  int64
	Successes int64
	MaxCreate time.Duration
	AvgCreate time.Duration
}

// SuccessRate returns the percentage of successful acquisitions.
func (s Stats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts) * 100
}

func (s Stats) String() string {
	return fmt.Sprintf("attempts=%d success=%d (%.1f%%) max=%s avg=%s",
		s.Attempts, s.Successes, s.SuccessRate(), s.MaxCreate, s.AvgCreate)
}

type statsCounters struct {
	mu          sync.Mutex
	attempts    int64
	successes   int64
	maxCreate   time.Duration
	totalCreate time.Duration
}

func (p *Pool) recordCreate(d time.Duration, ok bool) {
	p.stats.mu.Lock()
	p.stats.attempts++
	if ok {
		p.stats.successes++
	}
	if d > p.stats.maxCreate {
		p.stats.maxCreate = d
	}
	p.stats.totalCreate += d
	p.stats.mu.Unlock()

	if p.met != nil {
		p.met.SessionCreateSecs.Observe(d.Seconds())
	}
}

// Stats returns a snapshot of the acquisition counters.
func (p *Pool) Stats() Stats {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	s := Stats{
		Attempts:  p.stats.attempts,
		Successes: p.stats.successes,
		MaxCreate: p.stats.maxCreate,
	}
	if p.stats.attempts > 0 {
		s.AvgCreate = p.stats.totalCreate / time.Duration(p.stats.attempts)
	}
	return s
}
