// Package history records poll cycles, applied writes and registrations into
// the SQLite history store without blocking the caller.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plcrpc/internal/model"
	"plcrpc/internal/poller"
	"plcrpc/internal/registry"
)

// ErrQueueFull is returned when a record is dropped because the writer is
// behind.
var ErrQueueFull = errors.New("history queue full")

// Store is the persistence surface the recorder writes to; *db.DB
// implements it.
type Store interface {
	SaveReadings(ctx context.Context, rows []model.SensorReading) error
	SaveRegistration(ctx context.Context, r *model.PLCRegistration) error
}

type record struct {
	readings     []model.SensorReading
	registration *model.PLCRegistration
}

// Recorder queues records for a single background writer. Poll readings are
// recorded only when the value changed since the last record for the sensor.
type Recorder struct {
	store  Store
	cache  *ValueCache
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	q      chan record
	done   chan struct{}
}

// NewRecorder starts the background writer. queueSize <= 0 defaults to 1000.
func NewRecorder(store Store, queueSize int, dedupTTL time.Duration, logger zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	r := &Recorder{
		store:  store,
		cache:  NewValueCache(dedupTTL),
		logger: logger.With().Str("component", "history").Logger(),
		q:      make(chan record, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for rec := range r.q {
		if rec.registration != nil {
			if err := r.store.SaveRegistration(ctx, rec.registration); err != nil {
				r.logger.Error().Err(err).Str("plc", rec.registration.PLCID).Msg("save registration")
			}
		}
		if err := r.store.SaveReadings(ctx, rec.readings); err != nil {
			r.logger.Error().Err(err).Int("rows", len(rec.readings)).Msg("save readings")
		}
	}
}

func (r *Recorder) enqueue(rec record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("history recorder closed")
	}
	select {
	case r.q <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandleCycle is a poller.CycleHandler.
func (r *Recorder) HandleCycle(c poller.Cycle) error {
	var rows []model.SensorReading
	for _, rd := range c.Readings {
		if rd.Err != nil || !r.cache.Changed(rd.PLC+"/"+rd.Sensor, rd.Value) {
			continue
		}
		rows = append(rows, model.SensorReading{
			PLCID:        rd.PLC,
			Sensor:       rd.Sensor,
			RegisterType: string(rd.RegisterType),
			Address:      rd.DataAddress,
			Value:        rd.Value.Int(),
			Source:       model.SourcePoll,
			Timestamp:    c.Started,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return r.enqueue(record{readings: rows})
}

// PLCRegistered implements service.Observer.
func (r *Recorder) PLCRegistered(plcID string, slaveID int) {
	reg := &model.PLCRegistration{PLCID: plcID, SlaveID: slaveID, RegisteredAt: time.Now()}
	if err := r.enqueue(record{registration: reg}); err != nil {
		r.logger.Warn().Err(err).Str("plc", plcID).Msg("registration not recorded")
	}
}

// ValueWritten implements service.Observer. Writes are always recorded.
func (r *Recorder) ValueWritten(t registry.Target, v model.Value) {
	r.cache.SetValue(t.PLC+"/"+t.Sensor, v)
	row := model.SensorReading{
		PLCID:        t.PLC,
		Sensor:       t.Sensor,
		RegisterType: string(t.RegisterType),
		Address:      t.DataAddress,
		Value:        v.Int(),
		Source:       model.SourceWrite,
		Timestamp:    time.Now(),
	}
	if err := r.enqueue(record{readings: []model.SensorReading{row}}); err != nil {
		r.logger.Warn().Err(err).Str("plc", t.PLC).Str("sensor", t.Sensor).Msg("write not recorded")
	}
}

// Close stops accepting records and waits until the queue is flushed.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.q)
	r.mu.Unlock()
	<-r.done
}
