package decision

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/hydra/internal/metrics"
	"github.com/tanq16/hydra/internal/utils"
)

// Kind identifies one class of adaptive action.
type Kind string

const (
	IncreaseChunkSize   Kind = "increase_chunk_size"
	DecreaseChunkSize   Kind = "decrease_chunk_size"
	IncreaseConnections Kind = "increase_connections"
	DecreaseConnections Kind = "decrease_connections"
)

// Decision is an immutable record of one adaptive action. Created only by
// the engine's Analyze; the orchestrator applies it.
type Decision struct {
	Kind           Kind      `json:"type"`
	Reason         string    `json:"reason"`
	OldValue       string    `json:"old_value"`
	NewValue       string    `json:"new_value"`
	ExpectedImpact string    `json:"expected_impact"`
	Timestamp      time.Time `json:"timestamp"`
	TaskID         string    `json:"task_id"`

	// Proposed parameter values, already clamped to bounds.
	NewChunkSize   int64 `json:"-"`
	NewConnections int   `json:"-"`
}

// Config lifts the tunable thresholds so tests can inject extremes.
// Zero values are replaced with the documented defaults by NewEngine.
type Config struct {
	MinSamples    int           // history length before any decision
	StableCV      float64       // below this the throughput counts as stable
	UnstableCV    float64       // above this it counts as unstable
	HighRTTMillis float64
	LowRTTMillis  float64
	LowErrorRate  float64 // errors per MiB gating connection increases
	HighErrorRate float64 // errors per MiB forcing connection decreases
	MinEfficiency float64 // efficiency score gate for connection increases
	Cooldown      time.Duration

	MinChunkSize   int64
	MaxChunkSize   int64
	MinConnections int
	MaxConnections int
}

func DefaultConfig() Config {
	return Config{
		MinSamples:     10,
		StableCV:       0.15,
		UnstableCV:     0.30,
		HighRTTMillis:  200,
		LowRTTMillis:   50,
		LowErrorRate:   0.05,
		HighErrorRate:  0.10,
		MinEfficiency:  70,
		Cooldown:       5 * time.Second,
		MinChunkSize:   1024 * 1024,
		MaxChunkSize:   16 * 1024 * 1024,
		MinConnections: 1,
		MaxConnections: 16,
	}
}

// Engine analyzes metrics snapshots and proposes bounded parameter
// changes under per-kind cooldowns. Pure analysis: it never mutates the
// task, and its history is append-only.
type Engine struct {
	mu       sync.Mutex
	config   Config
	history  []Decision
	lastTime map[string]time.Time
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinSamples == 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.StableCV == 0 {
		cfg.StableCV = def.StableCV
	}
	if cfg.UnstableCV == 0 {
		cfg.UnstableCV = def.UnstableCV
	}
	if cfg.HighRTTMillis == 0 {
		cfg.HighRTTMillis = def.HighRTTMillis
	}
	if cfg.LowRTTMillis == 0 {
		cfg.LowRTTMillis = def.LowRTTMillis
	}
	if cfg.LowErrorRate == 0 {
		cfg.LowErrorRate = def.LowErrorRate
	}
	if cfg.HighErrorRate == 0 {
		cfg.HighErrorRate = def.HighErrorRate
	}
	if cfg.MinEfficiency == 0 {
		cfg.MinEfficiency = def.MinEfficiency
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.MinConnections == 0 {
		cfg.MinConnections = def.MinConnections
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	return &Engine{
		config:   cfg,
		lastTime: make(map[string]time.Time),
	}
}

func (e *Engine) Config() Config {
	return e.config
}

// Analyze inspects a metrics snapshot and returns the decisions to apply.
// Empty until the speed history holds MinSamples entries. At most one
// chunk-size and one connection-count decision fire per call, each under
// its own cooldown key.
func (e *Engine) Analyze(taskID string, snap metrics.Snapshot, chunkSize int64, connections int, supportsRanges bool) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(snap.SpeedHistory) < e.config.MinSamples {
		return nil
	}

	var out []Decision
	if d := e.analyzeChunkSize(snap, chunkSize); d != nil {
		d.TaskID = taskID
		out = append(out, *d)
	}
	if supportsRanges {
		if d := e.analyzeConnections(snap, connections); d != nil {
			d.TaskID = taskID
			out = append(out, *d)
		}
	}
	e.history = append(e.history, out...)
	return out
}

func (e *Engine) analyzeChunkSize(snap metrics.Snapshot, current int64) *Decision {
	if !e.cooldownElapsed("chunk_size") {
		return nil
	}
	cv := snap.SpeedCV()
	if len(snap.SpeedHistory) < 2 {
		return nil
	}

	if cv < e.config.StableCV && snap.RTTMillis > e.config.HighRTTMillis && current < e.config.MaxChunkSize {
		proposed := min(current*2, e.config.MaxChunkSize)
		e.lastTime["chunk_size"] = time.Now()
		return &Decision{
			Kind:           IncreaseChunkSize,
			Reason:         "Stable throughput with high RTT detected",
			OldValue:       humanize.IBytes(uint64(current)),
			NewValue:       humanize.IBytes(uint64(proposed)),
			ExpectedImpact: "Reduced overhead from fewer requests",
			Timestamp:      time.Now(),
			NewChunkSize:   proposed,
		}
	}
	if cv > e.config.UnstableCV && snap.RTTMillis < e.config.LowRTTMillis && current > e.config.MinChunkSize {
		proposed := max(current/2, e.config.MinChunkSize)
		e.lastTime["chunk_size"] = time.Now()
		return &Decision{
			Kind:           DecreaseChunkSize,
			Reason:         "Unstable throughput with low RTT detected",
			OldValue:       humanize.IBytes(uint64(current)),
			NewValue:       humanize.IBytes(uint64(proposed)),
			ExpectedImpact: "Better adaptability to network conditions",
			Timestamp:      time.Now(),
			NewChunkSize:   proposed,
		}
	}
	return nil
}

func (e *Engine) analyzeConnections(snap metrics.Snapshot, current int) *Decision {
	if !e.cooldownElapsed("connections") {
		return nil
	}
	errorRate := snap.ErrorRate()

	if errorRate < e.config.LowErrorRate && current < e.config.MaxConnections && snap.EfficiencyScore() > e.config.MinEfficiency {
		proposed := min(current*2, e.config.MaxConnections)
		e.lastTime["connections"] = time.Now()
		return &Decision{
			Kind:           IncreaseConnections,
			Reason:         "Low error rate, server handles load well",
			OldValue:       utils.FormatConnections(current),
			NewValue:       utils.FormatConnections(proposed),
			ExpectedImpact: "Higher throughput via parallelism",
			Timestamp:      time.Now(),
			NewConnections: proposed,
		}
	}
	if errorRate > e.config.HighErrorRate && current > e.config.MinConnections {
		proposed := max(current/2, e.config.MinConnections)
		e.lastTime["connections"] = time.Now()
		return &Decision{
			Kind:           DecreaseConnections,
			Reason:         "High error rate detected",
			OldValue:       utils.FormatConnections(current),
			NewValue:       utils.FormatConnections(proposed),
			ExpectedImpact: "Reduced server load, fewer errors",
			Timestamp:      time.Now(),
			NewConnections: proposed,
		}
	}
	return nil
}

func (e *Engine) cooldownElapsed(key string) bool {
	return time.Since(e.lastTime[key]) >= e.config.Cooldown
}

// ExportAll returns the full ordered decision history.
func (e *Engine) ExportAll() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Decision, len(e.history))
	copy(out, e.history)
	return out
}

// Recent returns the most recent decisions for one task, oldest first.
func (e *Engine) Recent(taskID string, limit int) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	var filtered []Decision
	for _, d := range e.history {
		if d.TaskID == taskID {
			filtered = append(filtered, d)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
