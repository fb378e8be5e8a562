package metrics

import (
	"math"
	"sync"
	"time"
)

// historySize bounds the rolling speed history used for stability analysis.
const historySize = 60

// Tracker holds rolling transfer statistics for a single task. The
// orchestrator is the only writer; the mutex keeps concurrent snapshot
// reads safe.
type Tracker struct {
	mu             sync.Mutex
	totalSize      int64
	bytesDone      int64
	startTime      time.Time
	currentSpeed   float64
	averageSpeed   float64
	peakSpeed      float64
	rttMillis      float64
	errorCount     int64
	retryCount     int64
	speedHistory   []float64
	lastUpdateTime time.Time
	lastBytes      int64
}

func NewTracker(totalSize int64) *Tracker {
	now := time.Now()
	return &Tracker{
		totalSize:      totalSize,
		startTime:      now,
		lastUpdateTime: now,
		speedHistory:   make([]float64, 0, historySize),
	}
}

// Update records a new cumulative byte count and the latest measured RTT.
// Speed is derived from the delta since the previous update; a zero or
// negative wall-clock delta skips the instantaneous sample but still
// updates cumulative state.
func (t *Tracker) Update(bytesDownloaded int64, rttMillis float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	delta := now.Sub(t.lastUpdateTime).Seconds()
	if delta > 0 {
		t.currentSpeed = float64(bytesDownloaded-t.lastBytes) / delta
		if t.currentSpeed > t.peakSpeed {
			t.peakSpeed = t.currentSpeed
		}
		t.speedHistory = append(t.speedHistory, t.currentSpeed)
		if len(t.speedHistory) > historySize {
			t.speedHistory = t.speedHistory[1:]
		}
	}
	t.bytesDone = bytesDownloaded
	t.rttMillis = rttMillis
	if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
		t.averageSpeed = float64(t.bytesDone) / elapsed
	}
	t.lastUpdateTime = now
	t.lastBytes = bytesDownloaded
}

// Resume seeds the byte counters from a resumed session without
// recording a speed sample for the jump.
func (t *Tracker) Resume(bytesDownloaded int64) {
	t.mu.Lock()
	t.bytesDone = bytesDownloaded
	t.lastBytes = bytesDownloaded
	t.mu.Unlock()
}

func (t *Tracker) AddError() {
	t.mu.Lock()
	t.errorCount++
	t.mu.Unlock()
}

func (t *Tracker) AddRetry() {
	t.mu.Lock()
	t.retryCount++
	t.mu.Unlock()
}

// Snapshot returns a value copy of the tracked state. Derived figures
// (progress, ETA, efficiency) are computed on the snapshot at read time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := make([]float64, len(t.speedHistory))
	copy(history, t.speedHistory)
	return Snapshot{
		TotalSize:       t.totalSize,
		BytesDownloaded: t.bytesDone,
		StartTime:       t.startTime,
		CurrentSpeed:    t.currentSpeed,
		AverageSpeed:    t.averageSpeed,
		PeakSpeed:       t.peakSpeed,
		RTTMillis:       t.rttMillis,
		ErrorCount:      t.errorCount,
		RetryCount:      t.retryCount,
		SpeedHistory:    history,
	}
}

// Snapshot is the read-only data shape consumed by the decision engine
// and event stream.
type Snapshot struct {
	TotalSize       int64
	BytesDownloaded int64
	StartTime       time.Time
	CurrentSpeed    float64
	AverageSpeed    float64
	PeakSpeed       float64
	RTTMillis       float64
	ErrorCount      int64
	RetryCount      int64
	SpeedHistory    []float64
}

func (s Snapshot) Progress() float64 {
	if s.TotalSize == 0 {
		return 0
	}
	return float64(s.BytesDownloaded) / float64(s.TotalSize) * 100
}

// ETASeconds returns -1 while no speed sample is available.
func (s Snapshot) ETASeconds() float64 {
	if s.CurrentSpeed == 0 {
		return -1
	}
	return float64(s.TotalSize-s.BytesDownloaded) / s.CurrentSpeed
}

func (s Snapshot) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// SpeedCV is the coefficient of variation over the speed history, the
// stability signal used by the decision engine. Zero when there are fewer
// than two samples or the mean is zero.
func (s Snapshot) SpeedCV() float64 {
	if len(s.SpeedHistory) < 2 {
		return 0
	}
	mean := meanOf(s.SpeedHistory)
	if mean == 0 {
		return 0
	}
	return stdevOf(s.SpeedHistory, mean) / mean
}

// ErrorRate is errors per MiB downloaded, floored at one MiB of volume.
func (s Snapshot) ErrorRate() float64 {
	mib := s.BytesDownloaded / (1024 * 1024)
	if mib < 1 {
		mib = 1
	}
	return float64(s.ErrorCount) / float64(mib)
}

// EfficiencyScore blends speed stability and error rate into 0-100.
func (s Snapshot) EfficiencyScore() float64 {
	stability := 1.0
	if len(s.SpeedHistory) >= 2 {
		mean := meanOf(s.SpeedHistory)
		if mean == 0 {
			stability = 0
		} else {
			stability = math.Max(0, 1-stdevOf(s.SpeedHistory, mean)/mean)
		}
	}
	errorPenalty := math.Max(0, 1-s.ErrorRate())
	score := (stability*0.7 + errorPenalty*0.3) * 100
	return math.Min(100, math.Max(0, score))
}

func meanOf(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdevOf(vals []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)-1))
}
