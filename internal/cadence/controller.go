package cadence

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

// Mode classifies current edit intensity.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeBurst  Mode = "burst"
	ModeIdle   Mode = "idle"
)

const (
	DefaultBaseInterval    uint64 = 1000
	DefaultBurstMultiplier        = 0.5
	DefaultIdleMultiplier         = 2.0
	DefaultBurstThreshold         = 20.0
	DefaultIdleThreshold          = 2.0
	DefaultActivityWindow         = 60 * time.Second
)

// ErrInvalidConfig indicates cadence settings that cannot produce a usable interval.
var ErrInvalidConfig = errors.New("cadence: invalid configuration")

// Config tunes the adaptive snapshot cadence.
type Config struct {
	BaseInterval    uint64
	BurstMultiplier float64
	IdleMultiplier  float64
	BurstThreshold  float64
	IdleThreshold   float64
	ActivityWindow  time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
	Sink            telemetry.Sink
}

// DefaultConfig returns the stock cadence settings.
func DefaultConfig() Config {
	return Config{
		BaseInterval:    DefaultBaseInterval,
		BurstMultiplier: DefaultBurstMultiplier,
		IdleMultiplier:  DefaultIdleMultiplier,
		BurstThreshold:  DefaultBurstThreshold,
		IdleThreshold:   DefaultIdleThreshold,
		ActivityWindow:  DefaultActivityWindow,
	}
}

// Decision is the controller's verdict for one event.
type Decision struct {
	Sequence          uint64
	ShouldSnapshot    bool
	Mode              Mode
	EventsPerSecond   float64
	EffectiveInterval uint64
}

// Controller decides per event whether a snapshot should be taken.
type Controller struct {
	config  Config
	clock   func() time.Time
	logger  *zap.Logger
	sink    telemetry.Sink
	mu      sync.Mutex
	monitor *ActivityMonitor
	mode    Mode
}

// NewController validates cfg and returns a Controller in normal mode.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		config:  cfg,
		clock:   clock,
		logger:  logger,
		sink:    telemetry.OrNop(cfg.Sink),
		monitor: NewActivityMonitor(cfg.ActivityWindow),
		mode:    ModeNormal,
	}, nil
}

func (cfg Config) validate() error {
	switch {
	case cfg.BaseInterval == 0:
		return fmt.Errorf("%w: base interval must be positive", ErrInvalidConfig)
	case cfg.BurstMultiplier <= 0 || cfg.IdleMultiplier <= 0:
		return fmt.Errorf("%w: multipliers must be positive", ErrInvalidConfig)
	case cfg.IdleThreshold < 0 || cfg.BurstThreshold <= cfg.IdleThreshold:
		return fmt.Errorf("%w: burst threshold must exceed idle threshold", ErrInvalidConfig)
	case cfg.ActivityWindow <= 0:
		return fmt.Errorf("%w: activity window must be positive", ErrInvalidConfig)
	}
	return nil
}

// Observe records an event with sequence at the controller clock's current time.
func (controller *Controller) Observe(sequence uint64) Decision {
	return controller.ObserveAt(sequence, controller.clock())
}

// ObserveAt records an event observed at the given instant and returns the snapshot decision.
func (controller *Controller) ObserveAt(sequence uint64, at time.Time) Decision {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	controller.monitor.Record(at)
	rate := controller.monitor.EventsPerSecond(at)
	mode := controller.classify(rate)
	if mode != controller.mode {
		previous := controller.mode
		controller.mode = mode
		controller.logger.Info("snapshot cadence mode changed",
			zap.String("from", string(previous)),
			zap.String("to", string(mode)),
			zap.Float64("events_per_second", rate),
			zap.Uint64("interval", controller.intervalFor(mode)))
		controller.sink.ObserveCadenceTransition(string(mode))
	}
	interval := controller.intervalFor(mode)
	return Decision{
		Sequence:          sequence,
		ShouldSnapshot:    sequence%interval == 0,
		Mode:              mode,
		EventsPerSecond:   rate,
		EffectiveInterval: interval,
	}
}

// ShouldSnapshot applies the current interval to sequence without recording activity.
func (controller *Controller) ShouldSnapshot(sequence uint64) bool {
	return sequence%controller.EffectiveInterval() == 0
}

// Mode returns the current classification.
func (controller *Controller) Mode() Mode {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.mode
}

// EffectiveInterval returns the snapshot interval for the current mode.
func (controller *Controller) EffectiveInterval() uint64 {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.intervalFor(controller.mode)
}

func (controller *Controller) classify(rate float64) Mode {
	switch {
	case rate >= controller.config.BurstThreshold:
		return ModeBurst
	case rate <= controller.config.IdleThreshold:
		return ModeIdle
	default:
		return ModeNormal
	}
}

func (controller *Controller) intervalFor(mode Mode) uint64 {
	multiplier := 1.0
	switch mode {
	case ModeBurst:
		multiplier = controller.config.BurstMultiplier
	case ModeIdle:
		multiplier = controller.config.IdleMultiplier
	}
	interval := math.Round(float64(controller.config.BaseInterval) * multiplier)
	if interval < 1 {
		return 1
	}
	return uint64(interval)
}
