package networking

import (
	"math"
	"sync"
	"time"
)

// DefaultViewerBytesPerSecond caps per-viewer frame throughput. A 60 Hz frame is roughly 300
// bytes of JSON, so the default leaves headroom for a full-rate stream plus lighting updates.
const DefaultViewerBytesPerSecond = 32 * 1024.0

// Class separates deliveries that may be skipped from those that must arrive.
type Class int

const (
	// ClassFrame marks conflatable simulation frames; the next frame supersedes a skipped one.
	ClassFrame Class = iota
	// ClassControl marks lighting, scene and acknowledgement messages that are never skipped.
	ClassControl
)

// BandwidthUsage captures the throttling state for a single viewer.
type BandwidthUsage struct {
	ClientID         string
	AvailableBytes   float64
	BytesPerSecond   float64
	ObservedSeconds  float64
	SkippedFrames    int64
	ControlOverdraft float64
	LastUpdated      time.Time
}

type bandwidthBucket struct {
	tokens  float64
	last    time.Time
	window  time.Time
	sent    int64
	skipped int64
}

// BandwidthRegulator keeps a token bucket per viewer. Frames are skipped when the bucket is
// short; control messages always pass and may drive the bucket negative.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewBandwidthRegulator constructs a regulator enforcing the supplied byte rate.
func NewBandwidthRegulator(targetBytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if targetBytesPerSecond <= 0 || math.IsNaN(targetBytesPerSecond) || math.IsInf(targetBytesPerSecond, 0) {
		targetBytesPerSecond = DefaultViewerBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[string]*bandwidthBucket),
		capacity: targetBytesPerSecond,
		refill:   targetBytesPerSecond,
		now:      clock,
	}
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	bucket.last = now
	if elapsed <= 0 {
		return
	}
	bucket.tokens = math.Min(bucket.tokens+elapsed*r.refill, r.capacity)
}

// Allow charges payloadBytes against the viewer's budget and reports whether to deliver.
func (r *BandwidthRegulator) Allow(clientID string, payloadBytes int, class Class) bool {
	if r == nil || clientID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[clientID]
	if bucket == nil {
		//1.- Seed new viewers with a full bucket so the first frames arrive immediately.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[clientID] = bucket
	}
	r.replenish(bucket, now)

	request := float64(payloadBytes)
	if class == ClassFrame && request > bucket.tokens {
		bucket.skipped++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	return true
}

// Forget removes the token bucket for a disconnected viewer.
func (r *BandwidthRegulator) Forget(clientID string) {
	if r == nil || clientID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// SnapshotUsage reports the current throttling statistics per viewer.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	snapshot := make(map[string]BandwidthUsage, len(r.buckets))
	for clientID, bucket := range r.buckets {
		r.replenish(bucket, now)
		observed := math.Max(now.Sub(bucket.window).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		snapshot[clientID] = BandwidthUsage{
			ClientID:         clientID,
			AvailableBytes:   math.Max(bucket.tokens, 0),
			BytesPerSecond:   rate,
			ObservedSeconds:  observed,
			SkippedFrames:    bucket.skipped,
			ControlOverdraft: math.Max(-bucket.tokens, 0),
			LastUpdated:      bucket.last,
		}
	}
	return snapshot
}
