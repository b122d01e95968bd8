package registry

import "collaborative-diagram/internal/domain"

const latencyWindow = 10

// latencyAverage keeps a small rolling window of round-trip samples.
type latencyAverage struct {
	samples []float64
}

func (a *latencyAverage) add(ms float64) {
	a.samples = append(a.samples, ms)
	if len(a.samples) > latencyWindow {
		a.samples = a.samples[len(a.samples)-latencyWindow:]
	}
}

func (a *latencyAverage) average() float64 {
	if len(a.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range a.samples {
		sum += s
	}
	return sum / float64(len(a.samples))
}

func (a *latencyAverage) quality(userID string) domain.ConnectionQuality {
	avg := a.average()
	return domain.ConnectionQuality{
		UserID:    userID,
		LatencyMS: avg,
		Quality:   domain.ClassifyLatency(avg),
	}
}
