package scheduler

// Sample is what a ScalingPolicy sees at each evaluation.
type Sample struct {
	Workers       int
	Active        int
	Queued        int
	ThroughputBPS int64
	LimitBPS      int64 // 0 means unlimited
	Errors        int   // failed runs since the previous sample
}

// ScalingPolicy decides the worker-slot count for the next interval.
type ScalingPolicy interface {
	Next(s Sample) int
}

// ThroughputPolicy grows the slot count while work is waiting and aggregate
// throughput sits below GrowBelow of the global cap, and shrinks it after
// ShrinkAfterErrors failures in one interval.
type ThroughputPolicy struct {
	Min               int
	Max               int
	GrowBelow         float64
	ShrinkAfterErrors int
}

func (p ThroughputPolicy) Next(s Sample) int {
	lo, hi := p.Min, p.Max
	if lo <= 0 {
		lo = 1
	}

	if hi < lo {
		hi = lo
	}

	growBelow := p.GrowBelow
	if growBelow <= 0 {
		growBelow = 0.9
	}

	next := s.Workers

	switch {
	case p.ShrinkAfterErrors > 0 && s.Errors >= p.ShrinkAfterErrors:
		next--
	case s.Queued > 0 && s.Active >= s.Workers:
		if s.LimitBPS <= 0 || float64(s.ThroughputBPS) < growBelow*float64(s.LimitBPS) {
			next++
		}
	}

	return max(lo, min(hi, next))
}
