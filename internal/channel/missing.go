package channel

import "sync"

// MissingMessageDetector watches the per-connection message_id sequence and
// fires once the number of gaps reaches a threshold. It stays quiet after
// firing until Reset.
type MissingMessageDetector struct {
	mu        sync.Mutex
	threshold int
	onMissing func()

	seen  bool
	last  int64
	gaps  int
	fired bool
}

// NewMissingMessageDetector creates a detector; threshold below 1 means 1
func NewMissingMessageDetector(threshold int, onMissing func()) *MissingMessageDetector {
	if threshold < 1 {
		threshold = 1
	}
	return &MissingMessageDetector{
		threshold: threshold,
		onMissing: onMissing,
	}
}

// Observe records a message id and reports whether this call fired the detector
func (d *MissingMessageDetector) Observe(id int64) bool {
	d.mu.Lock()
	if !d.seen {
		d.seen = true
		d.last = id
		d.mu.Unlock()
		return false
	}
	if id != d.last+1 {
		d.gaps++
	}
	d.last = id
	fire := !d.fired && d.gaps >= d.threshold
	if fire {
		d.fired = true
	}
	d.mu.Unlock()

	if fire && d.onMissing != nil {
		d.onMissing()
	}
	return fire
}

// Gaps returns the number of gaps seen since the last Reset
func (d *MissingMessageDetector) Gaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gaps
}

// Reset forgets the sequence, typically on a fresh connect
func (d *MissingMessageDetector) Reset() {
	d.mu.Lock()
	d.seen = false
	d.last = 0
	d.gaps = 0
	d.fired = false
	d.mu.Unlock()
}
