package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/config"
	"plcrpc/internal/model"
	"plcrpc/internal/poller"
)

type token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	sent         []message
	fail         error
	disconnected bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message{topic: topic, qos: qos, retain: retained, payload: payload.([]byte)})
	return newToken(f.fail)
}

func (f *fakeClient) Disconnect(uint) { f.disconnected = true }

var started = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleCycle() poller.Cycle {
	return poller.Cycle{
		Started: started,
		Readings: []poller.Reading{
			{PLC: "plc2", Sensor: "valve", RegisterType: model.Coil, DataAddress: 3, Value: model.Bool(true)},
			{PLC: "plc1", Sensor: "s1", RegisterType: model.HoldingRegister, DataAddress: 1, Value: model.Int(12)},
			{PLC: "plc1", Sensor: "s2", RegisterType: model.InputRegister, DataAddress: 2, Err: errors.New("timeout")},
		},
	}
}

func TestDocuments(t *testing.T) {
	docs := Documents(sampleCycle())
	want := []model.PLCSnapshot{
		{PLC: "plc1", Timestamp: started, Sensors: map[string]model.SensorSnapshot{
			"s1": {RegisterType: model.HoldingRegister, DataAddress: 1, Value: model.Int(12)},
		}},
		{PLC: "plc2", Timestamp: started, Sensors: map[string]model.SensorSnapshot{
			"valve": {RegisterType: model.Coil, DataAddress: 3, Value: model.Bool(true)},
		}},
	}
	assert.Empty(t, cmp.Diff(want, docs, cmp.Comparer(func(a, b model.Value) bool { return a.Equal(b) })))
}

func TestHandleCycle(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, config.MQTTConfig{TopicPrefix: "plcrpc", QoS: 1, Retain: true}, zerolog.Nop())

	require.NoError(t, p.HandleCycle(sampleCycle()))
	p.Close()
	p.Close()
	assert.True(t, fc.disconnected)

	require.Len(t, fc.sent, 2)
	assert.Equal(t, "plcrpc/plc1/sensors", fc.sent[0].topic)
	assert.Equal(t, "plcrpc/plc2/sensors", fc.sent[1].topic)
	assert.Equal(t, byte(1), fc.sent[0].qos)
	assert.True(t, fc.sent[0].retain)
	assert.JSONEq(t,
		`{"plc":"plc1","timestamp":"2024-05-01T12:00:00Z","sensors":{"s1":{"register_type":"holdingRegister","data_address":1,"value":12}}}`,
		string(fc.sent[0].payload))

	assert.Error(t, p.HandleCycle(sampleCycle()))
}

func TestPublishErrors(t *testing.T) {
	fc := &fakeClient{fail: errors.New("not connected")}
	p := newPublisher(fc, config.MQTTConfig{TopicPrefix: "x"}, zerolog.Nop())
	defer p.Close()

	assert.EqualError(t, p.publish(Documents(sampleCycle())[0]), "not connected")
	// broker failures are logged by the publishing goroutine, not returned
	require.NoError(t, p.HandleCycle(sampleCycle()))
	require.NoError(t, p.HandleCycle(poller.Cycle{}))
}

type stalledClient struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stalledClient) Publish(string, byte, bool, interface{}) pahomqtt.Token {
	s.calls.Add(1)
	<-s.release
	return newToken(nil)
}

func (s *stalledClient) Disconnect(uint) {}

func TestSlowBrokerDoesNotBlockCycles(t *testing.T) {
	sc := &stalledClient{release: make(chan struct{})}
	p := newPublisher(sc, config.MQTTConfig{TopicPrefix: "x"}, zerolog.Nop())

	c := poller.Cycle{Readings: []poller.Reading{{PLC: "plc1", Sensor: "s1", Value: model.Int(1)}}}
	var dropped int
	start := time.Now()
	for i := 0; i < queueSize+10; i++ {
		if err := p.HandleCycle(c); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, dropped)

	close(sc.release)
	p.Close()
	assert.Equal(t, int32(queueSize+10-dropped), sc.calls.Load())
}
