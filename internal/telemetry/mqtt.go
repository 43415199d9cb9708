// Package telemetry publishes poll cycles to an MQTT broker.
package telemetry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"plcrpc/internal/config"
	"plcrpc/internal/model"
	"plcrpc/internal/poller"
)

var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const queueSize = 256

// ErrQueueFull is returned when a document is dropped because the broker is
// not keeping up.
var ErrQueueFull = errors.New("mqtt publish queue full")

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends one JSON document per PLC to <prefix>/<plc>/sensors after
// every poll cycle. Documents are queued and published by a background
// goroutine so a slow broker never holds up the poller.
type Publisher struct {
	client  client
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	q      chan model.PLCSnapshot
	done   chan struct{}
}

// Connect dials the broker described by cfg.
func Connect(cfg config.MQTTConfig, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "mqtt").Logger()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(timeoutOrDefault(cfg.Timeout))
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(timeoutOrDefault(cfg.Timeout)) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	logger.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	return newPublisher(c, cfg, logger), nil
}

func newPublisher(c client, cfg config.MQTTConfig, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		client:  c,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: timeoutOrDefault(cfg.Timeout),
		logger:  logger,
		q:       make(chan model.PLCSnapshot, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for doc := range p.q {
		if err := p.publish(doc); err != nil {
			p.logger.Warn().Err(err).Str("plc", doc.PLC).Msg("mqtt publish failed")
		}
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Topic returns the topic a PLC's documents are published to.
func (p *Publisher) Topic(plcID string) string {
	return fmt.Sprintf("%s/%s/sensors", p.prefix, plcID)
}

// Documents groups the successful readings of a cycle per PLC. Failed reads
// are left out.
func Documents(c poller.Cycle) []model.PLCSnapshot {
	byPLC := make(map[string]*model.PLCSnapshot)
	var ids []string
	for _, r := range c.Readings {
		if r.Err != nil {
			continue
		}
		doc, ok := byPLC[r.PLC]
		if !ok {
			doc = &model.PLCSnapshot{PLC: r.PLC, Sensors: make(map[string]model.SensorSnapshot), Timestamp: c.Started}
			byPLC[r.PLC] = doc
			ids = append(ids, r.PLC)
		}
		doc.Sensors[r.Sensor] = model.SensorSnapshot{RegisterType: r.RegisterType, DataAddress: r.DataAddress, Value: r.Value}
	}
	sort.Strings(ids)
	out := make([]model.PLCSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byPLC[id])
	}
	return out
}

// HandleCycle is a poller.CycleHandler. It only queues the documents; publish
// failures are logged by the background goroutine.
func (p *Publisher) HandleCycle(c poller.Cycle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("mqtt publisher closed")
	}
	var errs []error
	for _, doc := range Documents(c) {
		select {
		case p.q <- doc:
		default:
			errs = append(errs, fmt.Errorf("%s: %w", doc.PLC, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(doc model.PLCSnapshot) error {
	payload, err := payloadJSON.Marshal(doc)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(doc.PLC), p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}

// Close publishes what is queued, then disconnects from the broker, giving
// in-flight messages 250ms.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.q)
	p.mu.Unlock()
	<-p.done
	p.client.Disconnect(250)
}
