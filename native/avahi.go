package native

import (
	"fmt"
	"sync"

	netservice "github.com/devgianlu/go-netservice"
	"github.com/godbus/dbus/v5"
)

const (
	avahiService         = "org.freedesktop.Avahi"
	avahiServerPath      = "/"
	avahiServerIface     = "org.freedesktop.Avahi.Server"
	avahiEntryGroupIface = "org.freedesktop.Avahi.EntryGroup"

	avahiIfUnspec    = int32(-1) // AVAHI_IF_UNSPEC - use all interfaces
	avahiProtoUnspec = int32(-1) // AVAHI_PROTO_UNSPEC - use both IPv4 and IPv6

	// maxAvahiRenames bounds how many alternative names are tried on collision
	maxAvahiRenames = 10
)

// AVAHI_ENTRY_GROUP_* states carried by the StateChanged signal
const (
	avahiGroupUncommitted int32 = iota
	avahiGroupRegistering
	avahiGroupEstablished
	avahiGroupCollision
	avahiGroupFailure
)

// AvahiLayer advertises services through avahi-daemon via D-Bus. Every handle
// owns an entry group, the outcome of a publish is read from the group's
// StateChanged signal.
type AvahiLayer struct {
	log     netservice.Logger
	loop    *Loop
	conn    *dbus.Conn
	version string

	signals chan *dbus.Signal

	handles     map[dbus.ObjectPath]*avahiHandle
	handlesLock sync.RWMutex
}

// NewAvahiLayer connects to the system bus and checks that avahi-daemon is reachable.
func NewAvahiLayer(log netservice.Logger) (*AvahiLayer, error) {
	if log == nil {
		log = &netservice.NullLogger{}
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	// GetHostName is available in all versions
	server := conn.Object(avahiService, avahiServerPath)
	var hostname string
	if err := server.Call(avahiServerIface+".GetHostName", 0).Store(&hostname); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to avahi-daemon (is it running?): %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(avahiEntryGroupIface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed subscribing to entry group state: %w", err)
	}

	l := &AvahiLayer{
		log:     log,
		loop:    NewLoop(),
		conn:    conn,
		version: getAvahiVersion(server),
		signals: make(chan *dbus.Signal, 16),
		handles: map[dbus.ObjectPath]*avahiHandle{},
	}

	conn.Signal(l.signals)
	go l.dispatch()

	log.Debugf("connected to avahi-daemon %s on %s", l.version, hostname)
	return l, nil
}

// getAvahiVersion attempts to retrieve the avahi-daemon version.
func getAvahiVersion(server dbus.BusObject) string {
	// available in avahi 0.8+
	var versionStr string
	if err := server.Call(avahiServerIface+".GetVersionString", 0).Store(&versionStr); err == nil {
		return versionStr
	}

	var apiVersion uint32
	if err := server.Call(avahiServerIface+".GetAPIVersion", 0).Store(&apiVersion); err == nil {
		return fmt.Sprintf("API v%d", apiVersion)
	}

	return "unknown"
}

// Version returns the avahi-daemon version string.
func (l *AvahiLayer) Version() string {
	return l.version
}

func (l *AvahiLayer) Loop() *Loop {
	return l.loop
}

// dispatch routes StateChanged signals to the handle owning the entry group.
// The channel is closed together with the connection.
func (l *AvahiLayer) dispatch() {
	for sig := range l.signals {
		if sig.Name != avahiEntryGroupIface+".StateChanged" || len(sig.Body) == 0 {
			continue
		}

		state, ok := sig.Body[0].(int32)
		if !ok {
			continue
		}

		var errMsg string
		if len(sig.Body) > 1 {
			errMsg, _ = sig.Body[1].(string)
		}

		l.handlesLock.RLock()
		h := l.handles[sig.Path]
		l.handlesLock.RUnlock()

		if h == nil {
			l.log.Tracef("ignoring state %d for unknown entry group %s", state, sig.Path)
			continue
		}

		h.stateChanged(state, errMsg)
	}
}

func (l *AvahiLayer) CreateHandle(desc netservice.ServiceDescriptor, delegate Delegate) (Handle, error) {
	if delegate == nil {
		return nil, fmt.Errorf("missing delegate")
	} else if len(desc.Addresses) > 0 {
		return nil, fmt.Errorf("avahi backend does not support fixed addresses")
	}

	if desc.Priority != 0 || desc.Weight != 0 {
		l.log.Debugf("avahi ignores srv priority %d and weight %d", desc.Priority, desc.Weight)
	}

	server := l.conn.Object(avahiService, avahiServerPath)

	var groupPath dbus.ObjectPath
	if err := server.Call(avahiServerIface+".EntryGroupNew", 0).Store(&groupPath); err != nil {
		return nil, fmt.Errorf("failed to create entry group: %w", err)
	}

	h := &avahiHandle{
		layer:    l,
		delegate: delegate,
		desc:     desc,
		path:     groupPath,
		group:    l.conn.Object(avahiService, groupPath),
		worker:   NewLoop(),
		name:     desc.Name,
	}

	l.handlesLock.Lock()
	l.handles[groupPath] = h
	l.handlesLock.Unlock()

	return h, nil
}

// Close frees every entry group, which also unpublishes the services.
func (l *AvahiLayer) Close() error {
	l.handlesLock.Lock()
	handles := l.handles
	l.handles = map[dbus.ObjectPath]*avahiHandle{}
	l.handlesLock.Unlock()

	for _, h := range handles {
		h.free()
	}

	err := l.conn.Close()
	l.loop.Close()
	return err
}

type avahiHandle struct {
	layer    *AvahiLayer
	delegate Delegate
	desc     netservice.ServiceDescriptor

	path  dbus.ObjectPath
	group dbus.BusObject

	// worker serializes the D-Bus calls on the entry group
	worker *Loop

	mu          sync.Mutex
	name        string
	txt         [][]byte
	publishing  bool
	established bool
	// added is set while the entry group holds the service entry
	added   bool
	renames int
}

func (h *avahiHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *avahiHandle) Domain() string { return h.desc.Domain }
func (h *avahiHandle) Type() string   { return h.desc.Type }
func (h *avahiHandle) Port() int      { return h.desc.Port }

func (h *avahiHandle) SetTxtAttributes(txt map[string]string) error {
	encoded, err := netservice.EncodeTxt(txt)
	if err != nil {
		return err
	}

	txtBytes := make([][]byte, len(encoded))
	for i, t := range encoded {
		txtBytes[i] = []byte(t)
	}

	h.mu.Lock()
	h.txt = txtBytes
	established, name := h.established, h.name
	h.mu.Unlock()

	if !established {
		return nil
	}

	if err := h.group.Call(avahiEntryGroupIface+".UpdateServiceTxt", 0,
		avahiIfUnspec, avahiProtoUnspec, uint32(0), name, h.desc.Type, h.desc.Domain, txtBytes,
	).Err; err != nil {
		return fmt.Errorf("failed updating txt record: %w", err)
	}

	return nil
}

func (h *avahiHandle) Publish() {
	h.mu.Lock()
	h.publishing = true
	h.renames = 0
	h.mu.Unlock()

	if !h.worker.Post(h.commit) {
		h.fail(map[string]string{"reason": "closed"})
	}
}

// commit adds the service to the entry group and commits it, the outcome
// arrives later through StateChanged.
func (h *avahiHandle) commit() {
	h.mu.Lock()
	name, txt, added := h.name, h.txt, h.added
	if h.established {
		h.publishing = false
		h.mu.Unlock()

		h.layer.loop.Post(h.delegate.OnPublished)
		return
	}
	h.mu.Unlock()

	// a previous attempt that timed out or failed left the entry behind
	if added {
		if err := h.group.Call(avahiEntryGroupIface+".Reset", 0).Err; err != nil {
			h.fail(map[string]string{"reason": "dbus", "error": fmt.Sprintf("failed to reset entry group: %v", err)})
			return
		}

		h.mu.Lock()
		h.added = false
		h.mu.Unlock()
	}

	// AddService signature: iiussssqaay
	err := h.group.Call(avahiEntryGroupIface+".AddService", 0,
		avahiIfUnspec,       // interface
		avahiProtoUnspec,    // protocol
		uint32(0),           // flags
		name,                // service name
		h.desc.Type,         // service type
		h.desc.Domain,       // domain
		"",                  // host (empty = use default hostname)
		uint16(h.desc.Port), // port
		txt,                 // TXT records
	).Err
	if err != nil {
		h.fail(map[string]string{"reason": "dbus", "error": fmt.Sprintf("failed to add service: %v", err)})
		return
	}

	h.mu.Lock()
	h.added = true
	h.mu.Unlock()

	if err := h.group.Call(avahiEntryGroupIface+".Commit", 0).Err; err != nil {
		h.fail(map[string]string{"reason": "dbus", "error": fmt.Sprintf("failed to commit entry group: %v", err)})
		return
	}
}

func (h *avahiHandle) fail(diagnostics map[string]string) {
	h.mu.Lock()
	h.publishing = false
	h.mu.Unlock()

	h.layer.loop.Post(func() { h.delegate.OnPublishFailed(diagnostics) })
}

func (h *avahiHandle) stateChanged(state int32, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch state {
	case avahiGroupEstablished:
		h.established = true
		if !h.publishing {
			return
		}

		h.publishing = false
		h.layer.loop.Post(h.delegate.OnPublished)
	case avahiGroupCollision:
		h.established = false
		if !h.publishing {
			return
		}

		if h.renames >= maxAvahiRenames {
			h.publishing = false
			name := h.name
			h.layer.loop.Post(func() {
				h.delegate.OnPublishFailed(map[string]string{"reason": "collision", "name": name})
			})
			return
		}

		h.renames++
		if !h.worker.Post(h.rename) {
			h.publishing = false
			h.layer.loop.Post(func() {
				h.delegate.OnPublishFailed(map[string]string{"reason": "closed"})
			})
		}
	case avahiGroupFailure:
		h.established = false
		if !h.publishing {
			return
		}

		h.publishing = false
		h.layer.loop.Post(func() {
			h.delegate.OnPublishFailed(map[string]string{"reason": "failure", "error": errMsg})
		})
	case avahiGroupUncommitted, avahiGroupRegistering:
		h.established = false
	}
}

// rename picks the alternative name suggested by avahi and commits again.
func (h *avahiHandle) rename() {
	h.mu.Lock()
	name := h.name
	h.mu.Unlock()

	var altName string
	server := h.layer.conn.Object(avahiService, avahiServerPath)
	if err := server.Call(avahiServerIface+".GetAlternativeServiceName", 0, name).Store(&altName); err != nil {
		h.fail(map[string]string{"reason": "collision", "error": err.Error()})
		return
	}

	if err := h.group.Call(avahiEntryGroupIface+".Reset", 0).Err; err != nil {
		h.fail(map[string]string{"reason": "dbus", "error": fmt.Sprintf("failed to reset entry group: %v", err)})
		return
	}

	h.mu.Lock()
	h.name = altName
	h.added = false
	h.mu.Unlock()

	h.layer.log.Infof("service name collision, renaming %s to %s", name, altName)
	h.commit()
}

func (h *avahiHandle) Stop() {
	h.mu.Lock()
	h.publishing = false
	h.mu.Unlock()

	if !h.worker.Post(h.reset) {
		h.layer.loop.Post(h.delegate.OnStopped)
	}
}

func (h *avahiHandle) reset() {
	if err := h.group.Call(avahiEntryGroupIface+".Reset", 0).Err; err != nil {
		h.layer.log.WithError(err).Warnf("failed resetting entry group for %s", h.desc.Name)
	}

	h.mu.Lock()
	h.established = false
	h.added = false
	h.mu.Unlock()

	h.layer.loop.Post(h.delegate.OnStopped)
}

func (h *avahiHandle) Release() {
	h.layer.handlesLock.Lock()
	delete(h.layer.handles, h.path)
	h.layer.handlesLock.Unlock()

	h.free()
}

func (h *avahiHandle) free() {
	h.worker.Close()

	// freeing the entry group also unpublishes the service
	if err := h.group.Call(avahiEntryGroupIface+".Free", 0).Err; err != nil {
		h.layer.log.WithError(err).Debugf("failed freeing entry group %s", h.path)
	}
}
