// Package poller refreshes every sensor of the registry on a fixed wall-clock
// grid. Each cycle reads all sensors through their capabilities, stores the
// results and hands the cycle to the registered handlers.
package poller

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plcrpc/internal/model"
	"plcrpc/internal/registry"
)

const defaultReadTimeout = time.Second

var (
	ErrAlreadyActive = errors.New("poller already active")
	ErrReadTimeout   = errors.New("sensor read timed out")
	ErrReadInFlight  = errors.New("previous sensor read still in flight")

	errStopped = errors.New("poller stopped")
)

// Source is the registry surface the poller needs.
type Source interface {
	Targets() []registry.Target
	Store(t registry.Target, v model.Value) bool
}

// Reading is the outcome of one sensor read within a cycle. Value is set only
// when Err is nil.
type Reading struct {
	PLC          string
	Sensor       string
	RegisterType model.RegisterType
	DataAddress  int
	Value        model.Value
	Err          error
}

// Cycle describes one full pass over the registry.
type Cycle struct {
	Started  time.Time
	Duration time.Duration
	Readings []Reading
}

// Failures counts the readings that carry an error.
func (c Cycle) Failures() int {
	n := 0
	for _, r := range c.Readings {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// CycleHandler is called after every cycle. Return an error to have it logged.
type CycleHandler func(Cycle) error

// Options configures a Poller. The cycle interval is Speed × ReadFrequency
// seconds.
type Options struct {
	Speed         float64
	ReadFrequency float64
	ReadTimeout   time.Duration
	Handlers      []CycleHandler
}

// Poller is either idle or running; Activate and Deactivate move between the
// two states.
type Poller struct {
	src         Source
	interval    time.Duration
	readTimeout time.Duration
	handlers    []CycleHandler
	logger      zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	// reads that outlived their timeout, keyed by plc/sensor; a sensor is
	// skipped until its capability returns
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New validates opts and returns an idle poller.
func New(src Source, opts Options, logger zerolog.Logger) (*Poller, error) {
	if opts.Speed <= 0 {
		return nil, fmt.Errorf("speed must be positive, got %v", opts.Speed)
	}
	if opts.ReadFrequency <= 0 {
		return nil, fmt.Errorf("read frequency must be positive, got %v", opts.ReadFrequency)
	}
	interval := time.Duration(math.Round(opts.Speed * opts.ReadFrequency * float64(time.Second)))
	if interval <= 0 {
		return nil, fmt.Errorf("interval %v too small", opts.Speed*opts.ReadFrequency)
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	return &Poller{
		src:         src,
		interval:    interval,
		readTimeout: timeout,
		handlers:    append([]CycleHandler(nil), opts.Handlers...),
		logger:      logger.With().Str("component", "poller").Logger(),
		inflight:    make(map[string]struct{}),
	}, nil
}

// Interval returns the length of one grid cell.
func (p *Poller) Interval() time.Duration { return p.interval }

// Running reports whether the background loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// Activate starts the background loop. The first cycle runs immediately,
// later cycles start on multiples of the interval.
func (p *Poller) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return ErrAlreadyActive
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
	p.logger.Info().Dur("interval", p.interval).Msg("poller activated")
	return nil
}

// Deactivate signals the loop to stop and blocks until it has exited. A cycle
// in progress is abandoned at its current read. It is a no-op on an idle
// poller.
func (p *Poller) Deactivate() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	p.logger.Info().Msg("poller deactivated")
}

func (p *Poller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if _, ok := p.runCycle(stop); !ok {
			return
		}

		timer := time.NewTimer(nextDelay(time.Now(), p.interval))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextDelay returns the time left until the next multiple of interval.
func nextDelay(now time.Time, interval time.Duration) time.Duration {
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

// RunCycle performs one pass over all sensors. A failing read is recorded in
// the cycle and does not affect the other sensors.
func (p *Poller) RunCycle() Cycle {
	c, _ := p.runCycle(nil)
	return c
}

// runCycle reports false when stop was raised mid-cycle; the partial cycle is
// not handed to the handlers.
func (p *Poller) runCycle(stop <-chan struct{}) (Cycle, bool) {
	started := time.Now()
	targets := p.src.Targets()
	cycle := Cycle{Started: started, Readings: make([]Reading, 0, len(targets))}

	for _, t := range targets {
		r := Reading{
			PLC:          t.PLC,
			Sensor:       t.Sensor,
			RegisterType: t.RegisterType,
			DataAddress:  t.DataAddress,
		}
		v, err := p.read(t, stop)
		if errors.Is(err, errStopped) {
			cycle.Duration = time.Since(started)
			return cycle, false
		}
		if err == nil {
			v, err = model.Coerce(v, t.RegisterType.Kind())
		}
		if err != nil {
			r.Err = err
			p.logger.Warn().Err(err).Str("plc", t.PLC).Str("sensor", t.Sensor).Msg("sensor read failed")
		} else {
			r.Value = v
			if !p.src.Store(t, v) {
				p.logger.Debug().Str("plc", t.PLC).Str("sensor", t.Sensor).Msg("sensor removed during cycle")
			}
		}
		cycle.Readings = append(cycle.Readings, r)
	}
	cycle.Duration = time.Since(started)

	for _, h := range p.handlers {
		if err := h(cycle); err != nil {
			p.logger.Error().Err(err).Msg("cycle handler")
		}
	}
	return cycle, true
}

type result struct {
	v   model.Value
	err error
}

// read calls the capability with a deadline. A read that outlives the
// deadline is abandoned and the sensor is not read again until that call
// returns, so a capability never sees overlapping Get calls from the poller.
func (p *Poller) read(t registry.Target, stop <-chan struct{}) (model.Value, error) {
	select {
	case <-stop:
		return model.Value{}, errStopped
	default:
	}

	key := t.PLC + "/" + t.Sensor
	p.inflightMu.Lock()
	if _, busy := p.inflight[key]; busy {
		p.inflightMu.Unlock()
		return model.Value{}, ErrReadInFlight
	}
	p.inflight[key] = struct{}{}
	p.inflightMu.Unlock()

	ch := make(chan result, 1)
	go func() {
		r := get(t.Capability)
		p.inflightMu.Lock()
		delete(p.inflight, key)
		p.inflightMu.Unlock()
		ch <- r
	}()

	timer := time.NewTimer(p.readTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return model.Value{}, fmt.Errorf("%w after %s", ErrReadTimeout, p.readTimeout)
	case <-stop:
		return model.Value{}, errStopped
	}
}

func get(c model.Capability) (r result) {
	defer func() {
		if rec := recover(); rec != nil {
			r = result{err: fmt.Errorf("capability panic: %v", rec)}
		}
	}()
	v, err := c.Get()
	return result{v: v, err: err}
}
