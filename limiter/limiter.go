// Package limiter tracks transfer throughput and, optionally, applies a
// soft byte-rate ceiling. Congestion control is the primary backpressure
// mechanism for a qcp transfer (spec §4.6); this package never substitutes
// for it. It exists for two narrower jobs: (1) compute the instantaneous
// and EWMA rates the transfer engine reports in its progress events, and
// (2) when a Tracker is constructed with a positive ceiling, pace reads
// and writes through it so they stay under that byte rate.
//
// Adapted from the teacher's SharedLimiter (limiter/salmon_limiter.go),
// which wrapped net.Conn directly; here it wraps plain io.Reader/io.Writer
// since the transfer engine copies between a QUIC stream and a local
// file, not between two net.Conn.
package limiter

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

const numBuckets = 5 // 5 one-second buckets for a 5-second window

// timeBucket holds bytes transferred within a 1-second window.
type timeBucket struct {
	bytes     int64
	timestamp int64 // unix seconds
}

// Tracker records bytes moved over time and, if constructed with a
// positive ceiling, paces callers to stay under it.
type Tracker struct {
	bucket     *ratelimit.Bucket // nil when unlimited
	ceiling    int64             // bytes/sec, 0 means unlimited
	buckets    [numBuckets]timeBucket
	currentIdx int64
	lastRotate int64
	windowSize time.Duration
	total      atomic.Int64
	ewma       atomic.Int64 // bytes/sec, fixed-point x1 (whole bytes)
}

// ewmaAlpha weights each tick's InstantRate sample against the running
// average; 0.3 settles within ~6 ticks (~1.5s at the 4Hz progress rate
// spec §4.6 asks for) without being too jumpy on bursty disk I/O.
const ewmaAlpha = 0.3

// NewTracker builds a rate tracker. ceilingBytesPerSec <= 0 disables the
// soft cap; the tracker still records bytes for progress reporting.
func NewTracker(ceilingBytesPerSec int64) *Tracker {
	t := &Tracker{
		windowSize: 5 * time.Second,
		lastRotate: time.Now().Unix(),
	}
	if ceilingBytesPerSec > 0 {
		t.ceiling = ceilingBytesPerSec
		t.bucket = ratelimit.NewBucketWithRate(float64(ceilingBytesPerSec), ceilingBytesPerSec)
	}
	now := time.Now().Unix()
	for i := range t.buckets {
		atomic.StoreInt64(&t.buckets[i].timestamp, now)
	}
	return t
}

func (t *Tracker) record(n int64) {
	now := time.Now().Unix()
	lastRotate := atomic.LoadInt64(&t.lastRotate)
	if now > lastRotate {
		if atomic.CompareAndSwapInt64(&t.lastRotate, lastRotate, now) {
			idx := atomic.LoadInt64(&t.currentIdx)
			next := (idx + 1) % numBuckets
			atomic.StoreInt64(&t.currentIdx, next)
			atomic.StoreInt64(&t.buckets[next].bytes, 0)
			atomic.StoreInt64(&t.buckets[next].timestamp, now)
		}
	}
	idx := atomic.LoadInt64(&t.currentIdx)
	atomic.AddInt64(&t.buckets[idx].bytes, n)
	t.total.Add(n)
}

// BytesDone reports the cumulative bytes this tracker has recorded, for
// the progress event's bytes_done field (spec §4.6).
func (t *Tracker) BytesDone() int64 {
	return t.total.Load()
}

// Tick recomputes the EWMA rate from the current instantaneous rate and
// returns it. The transfer engine calls this once per progress tick
// (spec §4.6: ~4Hz) rather than on every Read/Write, since the EWMA is
// only meaningful sampled at a fixed cadence.
func (t *Tracker) Tick() (instant, ewma int64) {
	instant = t.InstantRate()
	prev := t.ewma.Load()
	if prev == 0 {
		t.ewma.Store(instant)
		return instant, instant
	}
	next := int64(ewmaAlpha*float64(instant) + (1-ewmaAlpha)*float64(prev))
	t.ewma.Store(next)
	return instant, next
}

// InstantRate returns bytes/sec averaged over the tracker's short window.
func (t *Tracker) InstantRate() int64 {
	now := time.Now().Unix()
	cutoff := now - int64(t.windowSize.Seconds())

	var totalBytes int64
	oldest := now
	for i := 0; i < numBuckets; i++ {
		ts := atomic.LoadInt64(&t.buckets[i].timestamp)
		if ts >= cutoff {
			totalBytes += atomic.LoadInt64(&t.buckets[i].bytes)
			if ts < oldest {
				oldest = ts
			}
		}
	}
	// The current, partly elapsed second counts as a whole one, so a
	// tracker younger than a second still reports a rate.
	if d := now - oldest + 1; d > 0 {
		return totalBytes / d
	}
	return 0
}

// Ceiling reports the configured soft cap, or 0 if none.
func (t *Tracker) Ceiling() int64 {
	return t.ceiling
}

// WrapReader returns an io.Reader that records bytes read through it and,
// if a ceiling is configured, paces reads to stay under it.
func (t *Tracker) WrapReader(r io.Reader) io.Reader {
	return &trackedReader{r: r, t: t}
}

// WrapWriter returns an io.Writer that records bytes written through it
// and, if a ceiling is configured, paces writes to stay under it.
func (t *Tracker) WrapWriter(w io.Writer) io.Writer {
	return &trackedWriter{w: w, t: t}
}

type trackedReader struct {
	r io.Reader
	t *Tracker
}

func (tr *trackedReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if tr.t.bucket != nil {
			tr.t.bucket.Wait(int64(n))
		}
		tr.t.record(int64(n))
	}
	return n, err
}

type trackedWriter struct {
	w io.Writer
	t *Tracker
}

func (tw *trackedWriter) Write(p []byte) (int, error) {
	if tw.t.bucket != nil {
		tw.t.bucket.Wait(int64(len(p)))
	}
	n, err := tw.w.Write(p)
	if n > 0 {
		tw.t.record(int64(n))
	}
	return n, err
}
