package go_netservice

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDomain is the local administrative domain used when none is given.
const DefaultDomain = "local."

// maxInstanceNameLen is the DNS label limit an instance name has to fit in.
const maxInstanceNameLen = 63

// service names are at most 15 characters (RFC 6335), the protocol is either _tcp or _udp
var serviceTypeRegex = regexp.MustCompile(`^_[A-Za-z0-9][A-Za-z0-9-]{0,14}\._(tcp|udp)$`)

// ServiceDescriptor describes the service to advertise. It is never modified
// after being handed to a NetService, the platform reports renames through the
// live accessors instead.
type ServiceDescriptor struct {
	// Type is the DNS-SD service type (e.g. _example._tcp), required.
	Type string
	// Name is the advertised instance name, required.
	Name string
	// Domain is the registration domain, leave empty for DefaultDomain.
	Domain string
	// Port is the port the service is reachable at, 1-65535.
	Port int
	// Priority is the SRV priority, defaults to 0.
	Priority int
	// Weight is the SRV weight relative to other records with the same priority, defaults to 0.
	Weight int
	// Addresses are the IP addresses to advertise, leave nil to let the platform choose.
	Addresses []string
	// Txt are the attributes published in the TXT record.
	Txt map[string]string
}

// WithDefaults returns a deep copy of the descriptor with Domain filled in and
// normalized to a fully qualified name.
func (d ServiceDescriptor) WithDefaults() ServiceDescriptor {
	out := d
	if len(out.Domain) == 0 {
		out.Domain = DefaultDomain
	}
	out.Domain = dns.Fqdn(out.Domain)
	out.Type = strings.TrimSuffix(out.Type, ".")

	if d.Addresses != nil {
		out.Addresses = make([]string, len(d.Addresses))
		copy(out.Addresses, d.Addresses)
	}

	out.Txt = make(map[string]string, len(d.Txt))
	for k, v := range d.Txt {
		out.Txt[k] = v
	}

	return out
}

// Validate checks the fields of the descriptor, every returned error wraps
// ErrInvalidDescriptor. TXT attributes are checked separately by EncodeTxt.
func (d ServiceDescriptor) Validate() error {
	if len(d.Type) == 0 {
		return fmt.Errorf("%w: missing service type", ErrInvalidDescriptor)
	} else if !serviceTypeRegex.MatchString(strings.TrimSuffix(d.Type, ".")) {
		return fmt.Errorf("%w: malformed service type %q", ErrInvalidDescriptor, d.Type)
	}

	if len(d.Name) == 0 {
		return fmt.Errorf("%w: missing instance name", ErrInvalidDescriptor)
	} else if len(d.Name) > maxInstanceNameLen {
		return fmt.Errorf("%w: instance name longer than %d bytes", ErrInvalidDescriptor, maxInstanceNameLen)
	}

	if len(d.Domain) > 0 {
		if _, ok := dns.IsDomainName(d.Domain); !ok {
			return fmt.Errorf("%w: malformed domain %q", ErrInvalidDescriptor, d.Domain)
		}
	}

	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidDescriptor, d.Port)
	} else if d.Priority < 0 || d.Priority > 65535 {
		return fmt.Errorf("%w: invalid priority %d", ErrInvalidDescriptor, d.Priority)
	} else if d.Weight < 0 || d.Weight > 65535 {
		return fmt.Errorf("%w: invalid weight %d", ErrInvalidDescriptor, d.Weight)
	}

	for _, addr := range d.Addresses {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("%w: invalid address %q", ErrInvalidDescriptor, addr)
		}
	}

	return nil
}
