package native

import (
	"fmt"
	"net"
	"os"
	"sync"

	netservice "github.com/devgianlu/go-netservice"
	"github.com/grandcat/zeroconf"
)

// BuiltinLayer advertises services with the grandcat/zeroconf library,
// which provides a pure-Go mDNS responder.
type BuiltinLayer struct {
	log    netservice.Logger
	loop   *Loop
	ifaces []net.Interface

	handles     []*builtinHandle
	handlesLock sync.Mutex
}

// NewBuiltinLayer creates a new built-in mDNS layer.
// If ifaces is empty, services are advertised on all interfaces.
func NewBuiltinLayer(log netservice.Logger, ifaces []net.Interface) *BuiltinLayer {
	if log == nil {
		log = &netservice.NullLogger{}
	}

	return &BuiltinLayer{log: log, loop: NewLoop(), ifaces: ifaces}
}

func (l *BuiltinLayer) Loop() *Loop {
	return l.loop
}

func (l *BuiltinLayer) CreateHandle(desc netservice.ServiceDescriptor, delegate Delegate) (Handle, error) {
	if delegate == nil {
		return nil, fmt.Errorf("missing delegate")
	}

	if desc.Priority != 0 || desc.Weight != 0 {
		l.log.Debugf("builtin responder ignores srv priority %d and weight %d", desc.Priority, desc.Weight)
	}

	h := &builtinHandle{layer: l, delegate: delegate, desc: desc, worker: NewLoop()}

	l.handlesLock.Lock()
	l.handles = append(l.handles, h)
	l.handlesLock.Unlock()

	return h, nil
}

// Close shuts down every responder that is still running.
func (l *BuiltinLayer) Close() error {
	l.handlesLock.Lock()
	handles := l.handles
	l.handles = nil
	l.handlesLock.Unlock()

	for _, h := range handles {
		h.shutdown()
	}

	l.loop.Close()
	return nil
}

type builtinHandle struct {
	layer    *BuiltinLayer
	delegate Delegate
	desc     netservice.ServiceDescriptor

	// worker serializes the blocking zeroconf calls
	worker *Loop

	mu     sync.Mutex
	txt    []string
	server *zeroconf.Server
}

func (h *builtinHandle) Name() string   { return h.desc.Name }
func (h *builtinHandle) Domain() string { return h.desc.Domain }
func (h *builtinHandle) Type() string   { return h.desc.Type }
func (h *builtinHandle) Port() int      { return h.desc.Port }

func (h *builtinHandle) SetTxtAttributes(txt map[string]string) error {
	encoded, err := netservice.EncodeTxt(txt)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.txt = encoded
	if h.server != nil {
		h.server.SetText(encoded)
	}

	return nil
}

func (h *builtinHandle) Publish() {
	if !h.worker.Post(h.publish) {
		h.layer.loop.Post(func() {
			h.delegate.OnPublishFailed(map[string]string{"reason": "closed"})
		})
	}
}

func (h *builtinHandle) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.server != nil {
		h.layer.loop.Post(h.delegate.OnPublished)
		return
	}

	server, err := h.register()
	if err != nil {
		h.layer.log.WithError(err).Warnf("failed registering %s with builtin responder", h.desc.Name)
		h.layer.loop.Post(func() {
			h.delegate.OnPublishFailed(map[string]string{"reason": "register", "error": err.Error()})
		})
		return
	}

	h.server = server
	h.layer.log.Debugf("builtin responder advertising %s.%s%s on port %d", h.desc.Name, h.desc.Type, h.desc.Domain, h.desc.Port)
	h.layer.loop.Post(h.delegate.OnPublished)
}

func (h *builtinHandle) register() (*zeroconf.Server, error) {
	if len(h.desc.Addresses) == 0 {
		return zeroconf.Register(h.desc.Name, h.desc.Type, h.desc.Domain, h.desc.Port, h.txt, h.layer.ifaces)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed getting hostname: %w", err)
	}

	return zeroconf.RegisterProxy(h.desc.Name, h.desc.Type, h.desc.Domain, h.desc.Port, host, h.desc.Addresses, h.txt, h.layer.ifaces)
}

func (h *builtinHandle) Stop() {
	if !h.worker.Post(h.stop) {
		h.layer.loop.Post(h.delegate.OnStopped)
	}
}

func (h *builtinHandle) stop() {
	h.mu.Lock()
	if h.server != nil {
		h.server.Shutdown()
		h.server = nil
	}
	h.mu.Unlock()

	h.layer.loop.Post(h.delegate.OnStopped)
}

func (h *builtinHandle) Release() {
	h.layer.handlesLock.Lock()
	for i, hh := range h.layer.handles {
		if hh == h {
			h.layer.handles = append(h.layer.handles[:i], h.layer.handles[i+1:]...)
			break
		}
	}
	h.layer.handlesLock.Unlock()

	h.shutdown()
}

func (h *builtinHandle) shutdown() {
	h.worker.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.server != nil {
		h.layer.log.Warnf("withdrawing %s still advertised by builtin responder", h.desc.Name)
		h.server.Shutdown()
		h.server = nil
	}
}
