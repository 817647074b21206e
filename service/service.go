package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	netservice "github.com/devgianlu/go-netservice"
	"github.com/devgianlu/go-netservice/native"
)

type Options struct {
	// Log is used for lifecycle logging, leave nil to discard logs.
	Log netservice.Logger
	// Clock is the time source for register timeouts, leave nil to use the system clock.
	Clock clock.Clock
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	// opWithdraw takes down a publish that completed after its caller gave up
	opWithdraw
)

func (k opKind) String() string {
	switch k {
	case opRegister:
		return "register"
	case opUnregister:
		return "unregister"
	case opWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("opKind(%d)", int(k))
	}
}

// operation is the single pending waiter slot of a NetService. done is closed
// exactly once, after err and abandoned have been set.
type operation struct {
	kind opKind
	done chan struct{}
	err  error
	// abandoned is set when the operation was given up by its caller instead
	// of being resolved by a platform callback, joiners must decide again.
	abandoned bool
	// waiters counts the callers blocked on done, including the one that started it.
	waiters int
}

// NetService advertises one service through a native layer and turns its
// callbacks into blocking Register and Unregister calls.
type NetService struct {
	log   netservice.Logger
	clock clock.Clock
	loop  *native.Loop
	desc  netservice.ServiceDescriptor

	handle native.Handle

	// mu guards state and pending, it is never held while waiting.
	// At most one native publish or stop is in flight, tracked by pending.
	mu      sync.Mutex
	state   State
	pending *operation

	registered *Signal
}

// listener is the delegate handed to the native layer, it routes the
// callbacks of one handle back to its owning NetService.
type listener struct {
	s *NetService
}

func (l listener) OnPublished()                                  { l.s.onPublished() }
func (l listener) OnPublishFailed(diagnostics map[string]string) { l.s.onPublishFailed(diagnostics) }
func (l listener) OnStopped()                                    { l.s.onStopped() }

// NewNetService validates desc, creates its native handle and applies the TXT
// attributes. Nothing is published until Register is called.
func NewNetService(layer native.Layer, desc netservice.ServiceDescriptor, opts *Options) (*NetService, error) {
	if opts == nil {
		opts = &Options{}
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	desc = desc.WithDefaults()

	// refuse attributes that cannot be encoded before reaching the platform
	if _, err := netservice.EncodeTxt(desc.Txt); err != nil {
		return nil, netservice.NewRejectedError(map[string]string{"reason": "txt"}, err)
	}

	s := &NetService{
		log:        opts.Log,
		clock:      opts.Clock,
		loop:       layer.Loop(),
		desc:       desc,
		state:      StateUnregistered,
		registered: NewSignal(false),
	}

	if s.log == nil {
		s.log = &netservice.NullLogger{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}

	s.log = s.log.WithField("service", desc.Name)

	handle, err := layer.CreateHandle(desc, listener{s})
	if err != nil {
		return nil, fmt.Errorf("failed creating native handle: %w", err)
	}

	if err := handle.SetTxtAttributes(desc.Txt); err != nil {
		handle.Release()
		return nil, netservice.NewRejectedError(map[string]string{"reason": "txt"}, err)
	}

	s.handle = handle
	s.log.Debugf("created %s service on port %d", desc.Type, desc.Port)
	return s, nil
}

// Register publishes the service and waits for the platform to confirm it.
// It returns immediately if the service is already registered, and shares the
// outcome of a publish already in flight instead of issuing another one.
//
// The timeout covers the whole call. When it elapses the call fails with
// ErrRegistrationTimeout and the service goes back to StateUnregistered, a
// publish confirmed afterward is withdrawn again. A platform refusal is
// reported as a *netservice.RejectedError.
func (s *NetService) Register(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid register timeout: %s", timeout)
	}

	timer := s.clock.Timer(timeout)
	defer timer.Stop()

	timeoutErr := fmt.Errorf("%w after %s", netservice.ErrRegistrationTimeout, timeout)

	for {
		s.mu.Lock()
		if s.state == StateRegistered {
			s.mu.Unlock()
			return nil
		}

		if op := s.pending; op != nil {
			op.waiters++
			s.mu.Unlock()

			select {
			case <-op.done:
				if op.kind == opRegister && !op.abandoned {
					return op.err
				}

				// the unregister is over or the register was given up, decide again
				continue
			case <-timer.C:
				return timeoutErr
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		op := s.begin(opRegister, StateRegistering)
		s.mu.Unlock()

		s.log.Debugf("publishing service")
		if !s.loop.Post(s.handle.Publish) {
			return s.abandon(op, StateUnregistered, netservice.ErrClosed)
		}

		select {
		case <-op.done:
			return op.err
		case <-timer.C:
			s.log.Warnf("no publish outcome within %s", timeout)
			return s.abandon(op, StateUnregistered, timeoutErr)
		case <-ctx.Done():
			return s.abandon(op, StateUnregistered, ctx.Err())
		}
	}
}

// Unregister withdraws the service and waits for the platform to confirm it.
// It returns immediately if the service is not registered. There is no timeout:
// the platform always completes a withdrawal eventually. Cancelling ctx only
// stops waiting, the withdrawal keeps going and is applied when it completes.
func (s *NetService) Unregister(ctx context.Context) error {
	for {
		s.mu.Lock()
		if op := s.pending; op != nil {
			op.waiters++
			s.mu.Unlock()

			select {
			case <-op.done:
				if op.kind == opRegister || op.abandoned {
					// the register is over or the withdraw was given up, decide again
					continue
				}

				return op.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if s.state == StateUnregistered {
			s.mu.Unlock()
			return nil
		}

		op := s.begin(opUnregister, StateUnregistering)
		s.mu.Unlock()

		s.log.Debugf("withdrawing service")
		if !s.loop.Post(s.handle.Stop) {
			return s.abandon(op, StateRegistered, netservice.ErrClosed)
		}

		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			s.log.Warnf("stopped waiting for withdrawal, it is still in flight")
			return ctx.Err()
		}
	}
}

// begin fills the pending slot, s.mu must be held.
func (s *NetService) begin(kind opKind, state State) *operation {
	op := &operation{kind: kind, done: make(chan struct{}), waiters: 1}
	s.pending = op
	s.state = state
	return op
}

// finish resolves op, s.mu must be held.
func (s *NetService) finish(op *operation, err error) {
	if s.pending == op {
		s.pending = nil
	}

	op.err = err
	close(op.done)
}

// abandon clears op from the pending slot and moves to state, unless a callback
// resolved it first. It returns the outcome op was resolved with.
func (s *NetService) abandon(op *operation, state State, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == op {
		if op.waiters > 1 {
			s.log.Debugf("gave up %s joined by %d other callers", op.kind, op.waiters-1)
		}

		s.state = state
		op.abandoned = true
		s.finish(op, err)
	}

	return op.err
}

func (s *NetService) onPublished() {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.pending
	switch {
	case op != nil && op.kind == opRegister:
		s.state = StateRegistered
		s.registered.set(true)
		s.finish(op, nil)

		if name := s.handle.Name(); name != s.desc.Name {
			s.log.Infof("service published as %s", name)
		} else {
			s.log.Infof("service published")
		}
	case op == nil && s.state == StateUnregistered:
		s.log.Warnf("publish confirmed after its caller gave up, withdrawing")

		withdraw := s.begin(opWithdraw, StateUnregistering)
		if !s.loop.Post(s.handle.Stop) {
			s.state = StateUnregistered
			s.finish(withdraw, netservice.ErrClosed)
		}
	default:
		s.log.Debugf("discarding publish confirmation in state %s", s.state)
	}
}

func (s *NetService) onPublishFailed(diagnostics map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.pending
	if op == nil || op.kind != opRegister {
		s.log.Debugf("discarding publish failure in state %s: %v", s.state, diagnostics)
		return
	}

	err := netservice.NewRejectedError(diagnostics, nil)
	s.state = StateUnregistered
	s.finish(op, err)

	s.log.WithError(err).Warnf("service not published")
}

func (s *NetService) onStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.pending
	switch {
	case op != nil && op.kind != opRegister:
		s.state = StateUnregistered
		s.registered.set(false)
		s.finish(op, nil)

		s.log.Infof("service withdrawn")
	case op == nil && s.state == StateRegistered:
		s.state = StateUnregistered
		s.registered.set(false)

		s.log.Warnf("service withdrawn by the platform")
	default:
		s.log.Debugf("discarding stop confirmation in state %s", s.state)
	}
}

// State returns the current lifecycle state.
func (s *NetService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registered reports whether the platform confirmed the service is published.
func (s *NetService) Registered() bool {
	return s.registered.Value()
}

// Signal is the observable registration state, it only changes on platform callbacks.
func (s *NetService) Signal() *Signal {
	return s.registered
}

// Descriptor returns the descriptor the service was created with.
func (s *NetService) Descriptor() netservice.ServiceDescriptor {
	return s.desc.WithDefaults()
}

// Name is the live instance name, the platform may have renamed it on collision.
func (s *NetService) Name() string {
	return s.handle.Name()
}

// Domain is the registration domain, fully qualified.
func (s *NetService) Domain() string {
	return s.handle.Domain()
}

// Type is the DNS-SD service type, e.g. _example._tcp.
func (s *NetService) Type() string {
	return s.handle.Type()
}

// Port is the advertised port.
func (s *NetService) Port() int {
	return s.handle.Port()
}
