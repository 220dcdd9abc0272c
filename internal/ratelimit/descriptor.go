package ratelimit

import (
	"strings"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
)

// DescriptorKey identifies a (domain, descriptor) tuple. Entry order is part
// of the identity: descriptors express hierarchy from general to specific.
type DescriptorKey struct {
	Domain  string
	Entries []DescriptorEntry
}

// DescriptorEntry is one ordered (key, value) pair of a descriptor.
type DescriptorEntry struct {
	Key   string
	Value string
}

// NewDescriptorKey builds a key from a domain and a wire descriptor.
func NewDescriptorKey(domain string, descriptor *ratelimitv3.RateLimitDescriptor) DescriptorKey {
	entries := make([]DescriptorEntry, 0, len(descriptor.GetEntries()))
	for _, e := range descriptor.GetEntries() {
		entries = append(entries, DescriptorEntry{Key: e.GetKey(), Value: e.GetValue()})
	}
	return DescriptorKey{Domain: domain, Entries: entries}
}

// String renders the key as "domain:k1=v1,k2=v2". Used for logs and as the
// serialized descriptor inside distributed counter keys.
func (k DescriptorKey) String() string {
	var b strings.Builder
	b.WriteString(k.Domain)
	b.WriteByte(':')
	for i, e := range k.Entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.Key)
		b.WriteByte('=')
		b.WriteString(e.Value)
	}
	return b.String()
}
