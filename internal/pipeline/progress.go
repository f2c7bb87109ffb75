package pipeline

import "sync"

// subProgressStep is the smallest sub-progress move worth persisting.
const subProgressStep = 0.005

// progressReporter only lets progress move forward. It is safe for use from
// stage goroutines.
type progressReporter struct {
	mu      sync.Mutex
	current float64
	persist func(value float64, message string)
}

func newProgressReporter(start float64, persist func(float64, string)) *progressReporter {
	return &progressReporter{current: start, persist: persist}
}

// Report moves progress to value if it is ahead of the current one.
func (p *progressReporter) Report(value float64, message string) bool {
	return p.report(value, message, 0)
}

func (p *progressReporter) report(value float64, message string, minStep float64) bool {
	if value > 1 {
		value = 1
	}
	p.mu.Lock()
	if value <= p.current || value-p.current < minStep {
		p.mu.Unlock()
		return false
	}
	p.current = value
	p.mu.Unlock()

	if p.persist != nil {
		p.persist(value, message)
	}
	return true
}

// Sub maps done/total onto the [start, end] range.
func (p *progressReporter) Sub(start, end float64, message string) func(done, total int) {
	return func(done, total int) {
		if total <= 0 {
			return
		}
		frac := float64(done) / float64(total)
		step := subProgressStep
		if done == total {
			step = 0
		}
		p.report(start+(end-start)*frac, message, step)
	}
}

func (p *progressReporter) Current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
