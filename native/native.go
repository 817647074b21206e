package native

import (
	"fmt"
	"net"

	netservice "github.com/devgianlu/go-netservice"
)

// Delegate receives the outcome of Handle.Publish and Handle.Stop. Exactly
// one callback is delivered per outstanding operation, always on the Loop of
// the Layer that created the handle.
type Delegate interface {
	OnPublished()
	OnPublishFailed(diagnostics map[string]string)
	OnStopped()
}

// Handle is a single platform registration object.
type Handle interface {
	// Name is the advertised instance name, the platform may change it on collision.
	Name() string
	Domain() string
	Type() string
	Port() int

	// SetTxtAttributes replaces the TXT record, it must be called before Publish.
	SetTxtAttributes(txt map[string]string) error

	// Publish starts advertising the service. It returns immediately, the
	// outcome is reported to the Delegate.
	Publish()
	// Stop withdraws the service. It returns immediately, the outcome is
	// reported to the Delegate.
	Stop()

	// Release frees the platform resources held by a handle that is no longer used.
	Release()
}

// Layer is the platform DNS-SD implementation.
type Layer interface {
	// CreateHandle creates the platform object for desc, routing its callbacks to delegate.
	CreateHandle(desc netservice.ServiceDescriptor, delegate Delegate) (Handle, error)
	// Loop is the execution context native calls are issued on and callbacks are delivered on.
	Loop() *Loop
	// Close releases every handle and stops the loop.
	Close() error
}

// New creates the native layer for the given backend name.
// ifaces restricts the interfaces the builtin backend advertises on.
func New(backend string, log netservice.Logger, ifaces []net.Interface) (Layer, error) {
	switch backend {
	case "", "builtin":
		return NewBuiltinLayer(log, ifaces), nil
	case "avahi":
		if len(ifaces) > 0 {
			return nil, fmt.Errorf("avahi backend does not support specifying interfaces")
		}

		return NewAvahiLayer(log)
	case "dummy":
		return NewDummyLayer(DummySucceed), nil
	default:
		return nil, fmt.Errorf("unknown native backend: %s", backend)
	}
}
