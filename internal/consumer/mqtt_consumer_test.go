package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mqttcommon "artlift-orchestrator/common/mqtt"
	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	topic        string
	handler      mqttcommon.MessageHandler
	unsubscribed []string
	err          error
}

func (s *fakeSubscriber) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	if s.err != nil {
		return s.err
	}
	s.topic = topic
	s.handler = handler
	return nil
}

func (s *fakeSubscriber) Unsubscribe(topics ...string) error {
	s.unsubscribed = append(s.unsubscribed, topics...)
	return nil
}

type resolveCall struct {
	id   int64
	kind string
}

type fakeResolver struct {
	calls []resolveCall
	match bool
}

func (r *fakeResolver) Resolve(id int64, kind string, _ []byte) bool {
	r.calls = append(r.calls, resolveCall{id, kind})
	return r.match
}

type fakeHandler struct {
	sensors []models.SensorEvent
	heights []models.HeightDonePayload
	actives []bool
	err     error
}

func (h *fakeHandler) HandleSensor(_ context.Context, _ int64, ev models.SensorEvent) error {
	h.sensors = append(h.sensors, ev)
	return h.err
}

func (h *fakeHandler) HandleHeightDone(_ context.Context, _ int64, ack models.HeightDonePayload) error {
	h.heights = append(h.heights, ack)
	return h.err
}

func (h *fakeHandler) HandleActive(_ context.Context, _ int64, active bool) error {
	h.actives = append(h.actives, active)
	return h.err
}

func newTestConsumer() (*MQTTConsumer, *fakeSubscriber, *fakeResolver, *fakeHandler) {
	sub := &fakeSubscriber{}
	res := &fakeResolver{}
	h := &fakeHandler{}
	return NewMQTTConsumer(sub, res, h, "device", 1, zap.NewNop()), sub, res, h
}

func TestParseTopic(t *testing.T) {
	id, kind, err := ParseTopic("device", "device/42/sensor")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "sensor", kind)

	for _, topic := range []string{
		"other/42/sensor",
		"device/42",
		"device/abc/sensor",
		"device/42/cmd/height",
		"device/42/",
	} {
		_, _, err := ParseTopic("device", topic)
		assert.Error(t, err, topic)
	}
}

func TestStartStop(t *testing.T) {
	c, sub, _, _ := newTestConsumer()
	require.NoError(t, c.Start())
	assert.Equal(t, "device/+/+", sub.topic)
	require.NotNil(t, sub.handler)

	c.Stop()
	assert.Equal(t, []string{"device/+/+"}, sub.unsubscribed)
}

func TestStart_SubscribeFailure(t *testing.T) {
	c, sub, _, _ := newTestConsumer()
	sub.err = errors.New("not connected")
	assert.Error(t, c.Start())
}

func TestHandleMessage_RepliesGoToResolver(t *testing.T) {
	c, _, res, h := newTestConsumer()

	require.NoError(t, c.HandleMessage("device/7/install", []byte(`{"success":true}`)))
	require.NoError(t, c.HandleMessage("device/7/frame_response", []byte(`{"status":"ok"}`)))
	require.NoError(t, c.HandleMessage("device/7/delete_done", []byte(`{}`)))

	assert.Equal(t, []resolveCall{
		{7, models.KindInstall},
		{7, models.KindFrameResponse},
		{7, models.KindDeleteDone},
	}, res.calls)
	assert.Empty(t, h.sensors)
}

func TestHandleMessage_HeightDoneResolvesAndDispatches(t *testing.T) {
	c, _, res, h := newTestConsumer()

	require.NoError(t, c.HandleMessage("device/7/height_done", []byte(`{"status":true}`)))
	assert.Equal(t, []resolveCall{{7, models.KindHeightDone}}, res.calls)
	assert.Equal(t, []models.HeightDonePayload{{Status: true}}, h.heights)
}

func TestHandleMessage_SessionEvents(t *testing.T) {
	c, _, res, h := newTestConsumer()

	require.NoError(t, c.HandleMessage("device/7/sensor", []byte(`{"status":"entered"}`)))
	require.NoError(t, c.HandleMessage("device/7/active", []byte(`{"status":false}`)))
	require.NoError(t, c.HandleMessage("device/7/error", []byte(`{"message":"camera offline"}`)))
	require.NoError(t, c.HandleMessage("device/7/telemetry", []byte(`{}`)))

	assert.Equal(t, []models.SensorEvent{{Status: models.SensorEntered}}, h.sensors)
	assert.Equal(t, []bool{false}, h.actives)
	assert.Empty(t, res.calls)
}

func TestHandleMessage_Errors(t *testing.T) {
	c, _, _, h := newTestConsumer()

	assert.Error(t, c.HandleMessage("device/x/sensor", []byte(`{}`)))
	assert.Error(t, c.HandleMessage("device/7/sensor", []byte(`not json`)))
	assert.Empty(t, h.sensors)

	h.err = fmt.Errorf("installation 7: %w", session.ErrNotFound)
	err := c.HandleMessage("device/7/sensor", []byte(`{"status":"left"}`))
	assert.ErrorIs(t, err, session.ErrNotFound)
}
