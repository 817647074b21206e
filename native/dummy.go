package native

import (
	"fmt"
	"sync"

	netservice "github.com/devgianlu/go-netservice"
)

// DummyBehavior decides how a DummyLayer answers Publish and Stop.
type DummyBehavior int

const (
	// DummySucceed publishes and stops successfully.
	DummySucceed DummyBehavior = iota
	// DummyFail refuses every publish with the configured diagnostics, stop succeeds.
	DummyFail
	// DummySilent never delivers anything, outcomes are driven with the Trigger methods.
	DummySilent
)

func (b DummyBehavior) String() string {
	switch b {
	case DummySucceed:
		return "succeed"
	case DummyFail:
		return "fail"
	case DummySilent:
		return "silent"
	default:
		return fmt.Sprintf("DummyBehavior(%d)", int(b))
	}
}

// DummyLayer is an in-process stand-in for the platform. Nothing reaches the
// network, callbacks are delivered on the loop just like a real backend does.
type DummyLayer struct {
	loop *Loop

	mu          sync.Mutex
	behavior    DummyBehavior
	diagnostics map[string]string
	handles     []*DummyHandle
}

func NewDummyLayer(behavior DummyBehavior) *DummyLayer {
	return &DummyLayer{loop: NewLoop(), behavior: behavior, diagnostics: map[string]string{"reason": "rejected"}}
}

// SetBehavior changes how future Publish and Stop calls are answered.
// diagnostics is only used by DummyFail.
func (l *DummyLayer) SetBehavior(behavior DummyBehavior, diagnostics map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.behavior = behavior
	if diagnostics != nil {
		l.diagnostics = diagnostics
	}
}

func (l *DummyLayer) Loop() *Loop {
	return l.loop
}

func (l *DummyLayer) CreateHandle(desc netservice.ServiceDescriptor, delegate Delegate) (Handle, error) {
	if delegate == nil {
		return nil, fmt.Errorf("missing delegate")
	}

	h := &DummyHandle{layer: l, delegate: delegate, desc: desc, name: desc.Name}

	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	return h, nil
}

// Handles returns every handle created so far, in creation order.
func (l *DummyLayer) Handles() []*DummyHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*DummyHandle, len(l.handles))
	copy(out, l.handles)
	return out
}

func (l *DummyLayer) Close() error {
	l.loop.Close()
	return nil
}

func (l *DummyLayer) outcome() (DummyBehavior, map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	diagnostics := make(map[string]string, len(l.diagnostics))
	for k, v := range l.diagnostics {
		diagnostics[k] = v
	}

	return l.behavior, diagnostics
}

// DummyHandle records the calls made on it.
type DummyHandle struct {
	layer    *DummyLayer
	delegate Delegate
	desc     netservice.ServiceDescriptor

	mu        sync.Mutex
	name      string
	txt       map[string]string
	published bool
	released  bool
	publishes int
	stops     int
}

func (h *DummyHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *DummyHandle) Domain() string { return h.desc.Domain }
func (h *DummyHandle) Type() string   { return h.desc.Type }
func (h *DummyHandle) Port() int      { return h.desc.Port }

func (h *DummyHandle) SetTxtAttributes(txt map[string]string) error {
	if _, err := netservice.EncodeTxt(txt); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.txt = make(map[string]string, len(txt))
	for k, v := range txt {
		h.txt[k] = v
	}

	return nil
}

// Txt returns the attributes last applied with SetTxtAttributes.
func (h *DummyHandle) Txt() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.txt
}

func (h *DummyHandle) Publish() {
	h.mu.Lock()
	h.publishes++
	h.mu.Unlock()

	switch behavior, diagnostics := h.layer.outcome(); behavior {
	case DummySucceed:
		h.TriggerPublished()
	case DummyFail:
		h.TriggerPublishFailed(diagnostics)
	}
}

func (h *DummyHandle) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()

	if behavior, _ := h.layer.outcome(); behavior != DummySilent {
		h.TriggerStopped()
	}
}

func (h *DummyHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

// TriggerPublished delivers a publish success as the platform would.
func (h *DummyHandle) TriggerPublished() {
	h.layer.loop.Post(func() {
		h.mu.Lock()
		h.published = true
		h.mu.Unlock()

		h.delegate.OnPublished()
	})
}

// TriggerPublishFailed delivers a publish failure as the platform would.
func (h *DummyHandle) TriggerPublishFailed(diagnostics map[string]string) {
	h.layer.loop.Post(func() { h.delegate.OnPublishFailed(diagnostics) })
}

// TriggerStopped delivers a withdraw completion as the platform would.
func (h *DummyHandle) TriggerStopped() {
	h.layer.loop.Post(func() {
		h.mu.Lock()
		h.published = false
		h.mu.Unlock()

		h.delegate.OnStopped()
	})
}

// Rename simulates the platform renaming the service after a collision.
func (h *DummyHandle) Rename(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

// Published reports whether the simulated platform currently advertises the service.
func (h *DummyHandle) Published() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

func (h *DummyHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *DummyHandle) PublishCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.publishes
}

func (h *DummyHandle) StopCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}
