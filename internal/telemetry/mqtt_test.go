package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMQTTClient struct {
	mock.Mock
}

func (m *mockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqttLib.Token)
}

func (m *mockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestMQTTMirrorPublish(t *testing.T) {
	client := &mockMQTTClient{}
	client.On("IsConnected").Return(true)
	client.On("Publish", "site/pi-01/sensor", byte(1), false, mock.Anything).Return(doneToken{})

	m := newMQTTMirror(client, "site", "pi-01", 1, discardLogger())
	assert.Equal(t, "site/pi-01/sensor", m.Topic())

	reading := Reading{Timestamp: "2024-01-01T00:00:00Z", Temperature: 22.1, Humidity: 60, Status: StatusActive}
	require.NoError(t, m.Publish(context.Background(), reading))

	payload := client.Calls[1].Arguments.Get(3).([]byte)
	var got Reading
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, reading, got)
	client.AssertExpectations(t)
}

func TestMQTTMirrorErrors(t *testing.T) {
	disconnected := &mockMQTTClient{}
	disconnected.On("IsConnected").Return(false)
	m := newMQTTMirror(disconnected, "", "pi", 0, discardLogger())
	assert.Equal(t, "outpost/pi/sensor", m.Topic())
	assert.Error(t, m.Publish(context.Background(), Reading{}))

	failing := &mockMQTTClient{}
	failing.On("IsConnected").Return(true)
	failing.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(doneToken{err: errors.New("not authorized")})
	m = newMQTTMirror(failing, "t", "pi", 0, discardLogger())
	err := m.Publish(context.Background(), Reading{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestMQTTMirrorClose(t *testing.T) {
	client := &mockMQTTClient{}
	client.On("IsConnected").Return(true)
	client.On("Disconnect", uint(mqttQuiesceMillis)).Return()

	newMQTTMirror(client, "t", "pi", 0, discardLogger()).Close()
	client.AssertExpectations(t)
}
