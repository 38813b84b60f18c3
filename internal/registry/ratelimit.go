package registry

import "time"

// limiterSweepThreshold is the window count above which idle windows
// are swept.
const limiterSweepThreshold = 1024

// slidingWindow holds the admission times of one (client, kind) pair
// that still fall inside the window, oldest first.
type slidingWindow struct {
	limit    int
	window   time.Duration
	admitted []time.Time
	lastSeen time.Time
}

// evict drops admissions at or before now-window.
func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	n := 0
	for n < len(w.admitted) && !w.admitted[n].After(cutoff) {
		n++
	}
	if n > 0 {
		w.admitted = append(w.admitted[:0], w.admitted[n:]...)
	}
}

// RateAllow admits at most limit requests of kind per sliding window
// for clientID. limit <= 0 or window <= 0 disables the check. Every
// call that returns true records one admission; denied calls record
// nothing. Changing limit or window for a pair starts a fresh window.
func (r *Registry) RateAllow(clientID, kind string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}

	r.limMu.Lock()
	defer r.limMu.Unlock()

	now := r.now()
	key := slotKey{clientID: clientID, kind: kind}
	w, ok := r.limiters[key]
	if !ok || w.limit != limit || w.window != window {
		w = &slidingWindow{limit: limit, window: window}
		r.limiters[key] = w
	}
	w.lastSeen = now
	r.sweepLimitersLocked(now)

	w.evict(now)
	if len(w.admitted) >= limit {
		return false
	}
	w.admitted = append(w.admitted, now)
	return true
}

func (r *Registry) sweepLimitersLocked(now time.Time) {
	if len(r.limiters) <= limiterSweepThreshold || now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now
	for key, w := range r.limiters {
		idle := w.window
		if idle < 10*time.Minute {
			idle = 10 * time.Minute
		}
		if now.Sub(w.lastSeen) > idle {
			delete(r.limiters, key)
		}
	}
}
