package queue

import "time"

// sampleWindow is the minimum elapsed time between throughput samples.
// Shorter windows amplify scheduling jitter into meaningless spikes.
const sampleWindow = 500 * time.Millisecond

// speedNoiseFloor in MB/s. Samples below this are indistinguishable from
// timer noise near the end of a chunk, so the previous reading is retained.
const speedNoiseFloor = 0.05

// speedSampler converts a stream of cumulative byte counts into a smoothed
// MB/s estimate. Not safe for concurrent use; each transfer session owns one.
type speedSampler struct {
	nowFunc func() time.Time

	lastTime  time.Time
	lastBytes int64
	current   float64
}

func newSpeedSampler(nowFunc func() time.Time) *speedSampler {
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &speedSampler{nowFunc: nowFunc}
}

// sample records the cumulative uploaded byte count and returns the current
// throughput estimate in MB/s. The estimate only changes once at least
// sampleWindow has elapsed since the previous accepted sample.
func (s *speedSampler) sample(uploadedBytes int64) float64 {
	now := s.nowFunc()

	if s.lastTime.IsZero() {
		s.lastTime = now
		s.lastBytes = uploadedBytes

		return s.current
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed < sampleWindow {
		return s.current
	}

	delta := uploadedBytes - s.lastBytes
	mbps := float64(delta) / elapsed.Seconds() / (1 << 20)

	s.lastTime = now
	s.lastBytes = uploadedBytes

	// Below the noise floor the previous reading is more informative than
	// a near-zero blip.
	if mbps >= speedNoiseFloor {
		s.current = mbps
	}

	return s.current
}

// reset clears all sampler state, for reuse after a retry.
func (s *speedSampler) reset() {
	s.lastTime = time.Time{}
	s.lastBytes = 0
	s.current = 0
}
