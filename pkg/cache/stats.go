package cache

import "time"

// Stats is a point-in-time snapshot of cache activity
type Stats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Sets       int64         `json:"sets"`
	Deletes    int64         `json:"deletes"`
	Errors     int64         `json:"errors"`
	HitRate    float64       `json:"hit_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	Grade      string        `json:"grade"`
}

// performanceGrade buckets hit rate and latency into an operator-facing
// grade. Latency degrades the grade one notch past 5ms and two past 20ms.
func (s Stats) performanceGrade() string {
	if s.Hits+s.Misses == 0 {
		return "A"
	}

	var grade int
	switch {
	case s.HitRate >= 0.95:
		grade = 0 // A+
	case s.HitRate >= 0.90:
		grade = 1 // A
	case s.HitRate >= 0.80:
		grade = 2 // B+
	case s.HitRate >= 0.70:
		grade = 3 // B
	case s.HitRate >= 0.50:
		grade = 4 // C
	default:
		grade = 5 // D
	}

	if s.AvgLatency > 20*time.Millisecond {
		grade += 2
	} else if s.AvgLatency > 5*time.Millisecond {
		grade++
	}
	if grade > 5 {
		grade = 5
	}

	return [...]string{"A+", "A", "B+", "B", "C", "D"}[grade]
}
