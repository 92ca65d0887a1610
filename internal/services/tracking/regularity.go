package tracking

import (
	"fmt"
	"math"
	"sync"
)

// regularity keeps a sliding window of heartbeat intervals per
// (user, subsection) and flags runs whose stdev sits below the configured
// floor, meaning the beats look scripted rather than human. The window lives
// in process memory only; losing it on restart just restarts the
// observation, it never blocks a request.
type regularity struct {
	mu      sync.Mutex
	window  int
	floor   float64
	samples map[string][]float64
}

func newRegularity(window int, floor float64) *regularity {
	if window <= 0 {
		window = 10
	}
	return &regularity{
		window:  window,
		floor:   floor,
		samples: make(map[string][]float64),
	}
}

func regKey(userID, subsectionID int64) string {
	return fmt.Sprintf("%d:%d", userID, subsectionID)
}

// observe records one interval and reports whether the window is full and
// its stdev sits below the floor.
func (r *regularity) observe(userID, subsectionID int64, intervalSeconds float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := regKey(userID, subsectionID)
	s := append(r.samples[key], intervalSeconds)
	if len(s) > r.window {
		s = s[len(s)-r.window:]
	}
	r.samples[key] = s

	if len(s) < r.window {
		return false
	}
	return stdev(s) < r.floor
}

// stats returns the current stdev and sample count for logging.
func (r *regularity) stats(userID, subsectionID int64) (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.samples[regKey(userID, subsectionID)]
	if len(s) == 0 {
		return 0, 0
	}
	return stdev(s), len(s)
}

// reset drops the window, called when a session ends.
func (r *regularity) reset(userID, subsectionID int64) {
	r.mu.Lock()
	delete(r.samples, regKey(userID, subsectionID))
	r.mu.Unlock()
}

func stdev(s []float64) float64 {
	var sum float64
	for _, v := range s {
		sum += v
	}
	mean := sum / float64(len(s))

	var sq float64
	for _, v := range s {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(s)))
}
