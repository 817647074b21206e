package native

import (
	"testing"

	netservice "github.com/devgianlu/go-netservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDelegate struct {
	events chan string
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{events: make(chan string, 16)}
}

func (d *recordingDelegate) OnPublished() { d.events <- "published" }
func (d *recordingDelegate) OnPublishFailed(diagnostics map[string]string) {
	d.events <- "failed:" + diagnostics["reason"]
}
func (d *recordingDelegate) OnStopped() { d.events <- "stopped" }

func testDescriptor() netservice.ServiceDescriptor {
	return netservice.ServiceDescriptor{
		Type:   "_example._tcp",
		Name:   "Test",
		Domain: netservice.DefaultDomain,
		Port:   8080,
	}
}

func TestNewBackends(t *testing.T) {
	layer, err := New("dummy", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &DummyLayer{}, layer)
	require.NoError(t, layer.Close())

	layer, err = New("builtin", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &BuiltinLayer{}, layer)
	require.NoError(t, layer.Close())

	_, err = New("bonjour", nil, nil)
	assert.Error(t, err)
}

func TestDummyLayerCallbacks(t *testing.T) {
	layer := NewDummyLayer(DummySucceed)
	defer func() { _ = layer.Close() }()

	delegate := newRecordingDelegate()
	h, err := layer.CreateHandle(testDescriptor(), delegate)
	require.NoError(t, err)

	h.Publish()
	assert.Equal(t, "published", <-delegate.events)
	h.Stop()
	assert.Equal(t, "stopped", <-delegate.events)

	layer.SetBehavior(DummyFail, map[string]string{"reason": "collision"})
	h.Publish()
	assert.Equal(t, "failed:collision", <-delegate.events)

	dh := layer.Handles()[0]
	assert.Equal(t, 2, dh.PublishCalls())
	assert.Equal(t, 1, dh.StopCalls())
	assert.False(t, dh.Published())
}

func TestDummyLayerSilent(t *testing.T) {
	layer := NewDummyLayer(DummySilent)
	defer func() { _ = layer.Close() }()

	delegate := newRecordingDelegate()
	h, err := layer.CreateHandle(testDescriptor(), delegate)
	require.NoError(t, err)

	h.Publish()
	h.Stop()

	dh := layer.Handles()[0]
	dh.TriggerPublished()
	assert.Equal(t, "published", <-delegate.events)
	assert.True(t, dh.Published())
	assert.Len(t, delegate.events, 0)
}

func TestHandleTxtAttributes(t *testing.T) {
	dummy := NewDummyLayer(DummySucceed)
	builtin := NewBuiltinLayer(nil, nil)
	defer func() {
		_ = dummy.Close()
		_ = builtin.Close()
	}()

	for name, layer := range map[string]Layer{"dummy": dummy, "builtin": builtin} {
		t.Run(name, func(t *testing.T) {
			h, err := layer.CreateHandle(testDescriptor(), newRecordingDelegate())
			require.NoError(t, err)
			defer h.Release()

			assert.NoError(t, h.SetTxtAttributes(map[string]string{"key1": "value1"}))
			assert.ErrorIs(t, h.SetTxtAttributes(map[string]string{"": "value"}), netservice.ErrInvalidDescriptor)

			assert.Equal(t, "Test", h.Name())
			assert.Equal(t, "local.", h.Domain())
			assert.Equal(t, "_example._tcp", h.Type())
			assert.Equal(t, 8080, h.Port())
		})
	}
}

func TestCreateHandleRequiresDelegate(t *testing.T) {
	layer := NewDummyLayer(DummySucceed)
	defer func() { _ = layer.Close() }()

	_, err := layer.CreateHandle(testDescriptor(), nil)
	assert.Error(t, err)
}
