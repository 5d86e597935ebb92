package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []published
	err       error
	onPublish func(topic string, payload []byte)
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	p.mu.Lock()
	p.messages = append(p.messages, published{topic: topic, payload: payload})
	err, hook := p.err, p.onPublish
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

func newTestCorrelator(pub Publisher) *Correlator {
	return New(pub, "device", 1, zap.NewNop())
}

func TestSend_ResolvesOnMatchingReply(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCorrelator(pub)
	pub.onPublish = func(string, []byte) {
		go func() {
			assert.False(t, c.Resolve(7, "install", []byte(`{}`)), "reply for another kind must not match")
			assert.True(t, c.Resolve(7, "height_done", []byte(`{"status":true}`)))
		}()
	}

	resp, err := c.Send(context.Background(), Request{
		InstallationID: 7,
		Kind:           KindHeight,
		Payload:        map[string]int64{"delta": 12},
		Timeout:        time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, KindHeight, resp.Kind)
	assert.JSONEq(t, `{"status":true}`, string(resp.Payload))
	assert.Equal(t, 0, c.Pending())

	msg := pub.last()
	assert.Equal(t, "device/7/cmd/height", msg.topic)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.payload, &env))
	assert.Equal(t, resp.RequestID, env.RequestID)
	assert.Equal(t, int64(7), env.InstallationID)
	assert.Equal(t, KindHeight, env.Kind)
	assert.Equal(t, map[string]interface{}{"delta": float64(12)}, env.Data)
}

func TestSend_Timeout(t *testing.T) {
	c := newTestCorrelator(&fakePublisher{})

	start := time.Now()
	_, err := c.Send(context.Background(), Request{InstallationID: 1, Kind: KindDelete, Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, int64(1), reqErr.InstallationID)
	assert.Equal(t, KindDelete, reqErr.Kind)

	// 超时后的迟到应答不再匹配
	assert.False(t, c.Resolve(1, "delete_done", []byte(`{}`)))
}

func TestSend_PublishFailure(t *testing.T) {
	c := newTestCorrelator(&fakePublisher{err: errors.New("not connected")})

	_, err := c.Send(context.Background(), Request{InstallationID: 3, Kind: KindInstall, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPublishFailure))
	assert.Contains(t, err.Error(), "not connected")
	assert.Equal(t, 0, c.Pending())
}

func TestSend_SecondRequestSupersedesFirst(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCorrelator(pub)

	type outcome struct {
		resp *Response
		err  error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		resp, err := c.Send(context.Background(), Request{InstallationID: 5, Kind: KindInstall, Timeout: time.Second})
		first <- outcome{resp, err}
	}()
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	go func() {
		resp, err := c.Send(context.Background(), Request{InstallationID: 5, Kind: KindInstall, Timeout: time.Second})
		second <- outcome{resp, err}
	}()

	select {
	case o := <-first:
		require.Error(t, o.err)
		assert.True(t, errors.Is(o.err, ErrSuperseded))
	case <-time.After(time.Second):
		t.Fatal("first request did not resolve")
	}

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Pending())
	assert.True(t, c.Resolve(5, "install", []byte(`{"success":true}`)))

	select {
	case o := <-second:
		require.NoError(t, o.err)
		assert.JSONEq(t, `{"success":true}`, string(o.resp.Payload))
	case <-time.After(time.Second):
		t.Fatal("second request did not resolve")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestSend_AcceptFiltersReplies(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCorrelator(pub)

	seen := map[string]bool{}
	accept := func(payload []byte) bool {
		var ack struct {
			Success *bool  `json:"success"`
			Device  string `json:"device"`
		}
		if json.Unmarshal(payload, &ack) != nil || ack.Success == nil {
			return false
		}
		seen[ack.Device] = true
		return seen["m5stack"] && seen["esp32"]
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{InstallationID: 9, Kind: KindInstall, Timeout: time.Second, Accept: accept})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	assert.False(t, c.Resolve(9, "install", []byte(`{"device":"m5stack"}`)))
	assert.False(t, c.Resolve(9, "install", []byte(`{"success":true,"device":"m5stack"}`)))
	assert.Equal(t, 1, c.Pending())
	assert.True(t, c.Resolve(9, "install", []byte(`{"success":true,"device":"esp32"}`)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestSend_ContextCancel(t *testing.T) {
	c := newTestCorrelator(&fakePublisher{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, Request{InstallationID: 2, Kind: KindFrame, Timeout: 5 * time.Second})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("request did not resolve after cancel")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestSend_UnknownKind(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCorrelator(pub)

	_, err := c.Send(context.Background(), Request{InstallationID: 1, Kind: "reboot"})
	require.Error(t, err)
	assert.Equal(t, 0, pub.count())
}

func TestResolve_NoPendingRequest(t *testing.T) {
	c := newTestCorrelator(&fakePublisher{})
	assert.False(t, c.Resolve(1, "install", []byte(`{}`)))
	assert.False(t, c.Resolve(1, "sensor", []byte(`{}`)))
}

func TestClose_ResolvesPending(t *testing.T) {
	c := newTestCorrelator(&fakePublisher{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{InstallationID: 4, Kind: KindHeight, Timeout: 5 * time.Second})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("request did not resolve after close")
	}

	_, err := c.Send(context.Background(), Request{InstallationID: 4, Kind: KindHeight})
	assert.True(t, errors.Is(err, ErrClosed))
}
