package identity

import "time"

// slidingWindow is a two-bucket sliding window counter. The previous bucket's
// count is weighted by how much of it still overlaps the window, which avoids
// the burst-at-boundary problem of fixed buckets without keeping per-send
// timestamps.
type slidingWindow struct {
	size     time.Duration
	curStart time.Time
	cur      int
	prev     int
}

func newWindow(size time.Duration) *slidingWindow {
	return &slidingWindow{size: size}
}

func (w *slidingWindow) roll(now time.Time) {
	start := now.Truncate(w.size)
	switch {
	case w.curStart.IsZero() || start.Sub(w.curStart) >= 2*w.size:
		w.prev, w.cur = 0, 0
		w.curStart = start
	case start.After(w.curStart):
		w.prev, w.cur = w.cur, 0
		w.curStart = start
	}
}

// estimate is the weighted count over the trailing window ending at now.
func (w *slidingWindow) estimate(now time.Time) float64 {
	w.roll(now)
	elapsed := now.Sub(w.curStart)
	overlap := 1 - float64(elapsed)/float64(w.size)
	if overlap < 0 {
		overlap = 0
	}
	return float64(w.prev)*overlap + float64(w.cur)
}

// allow reports whether one more send fits under limit at time now.
func (w *slidingWindow) allow(now time.Time, limit int) bool {
	if limit <= 0 {
		return true
	}
	return w.estimate(now)+1 <= float64(limit)
}

func (w *slidingWindow) add(now time.Time) {
	w.roll(now)
	w.cur++
}

// refund undoes one add for a claim that was never used.
func (w *slidingWindow) refund() {
	if w.cur > 0 {
		w.cur--
	} else if w.prev > 0 {
		w.prev--
	}
}
