package go_netservice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// maxTxtSegmentLen is the length limit of a single character-string in a TXT record.
const maxTxtSegmentLen = 255

// EncodeTxt converts the attributes to the "key=value" strings of a DNS-SD TXT
// record (RFC 6763 section 6), sorted by key so the output is stable.
func EncodeTxt(attrs map[string]string) ([]string, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: empty txt key", ErrInvalidDescriptor)
		} else if strings.ContainsRune(k, '=') {
			return nil, fmt.Errorf("%w: txt key %q contains '='", ErrInvalidDescriptor, k)
		}

		entry := k + "=" + attrs[k]
		if len(entry) > maxTxtSegmentLen {
			return nil, fmt.Errorf("%w: txt entry for %q exceeds %d bytes", ErrInvalidDescriptor, k, maxTxtSegmentLen)
		}

		txt = append(txt, entry)
	}

	// make sure the whole record fits in a message
	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: "txt.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: txt,
	}
	if _, err := dns.PackRR(rr, make([]byte, dns.MaxMsgSize), 0, nil, false); err != nil {
		return nil, fmt.Errorf("%w: failed packing txt record: %v", ErrInvalidDescriptor, err)
	}

	return txt, nil
}
