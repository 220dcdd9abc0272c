package ratelimit

import (
	"testing"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	"github.com/stretchr/testify/assert"
)

func wireDescriptor(entries ...[2]string) *ratelimitv3.RateLimitDescriptor {
	d := &ratelimitv3.RateLimitDescriptor{}
	for _, e := range entries {
		d.Entries = append(d.Entries, &ratelimitv3.RateLimitDescriptor_Entry{
			Key:   e[0],
			Value: e[1],
		})
	}
	return d
}

func TestDescriptorKeyFromWire(t *testing.T) {
	key := NewDescriptorKey("test_domain", wireDescriptor(
		[2]string{"source", "client_a"},
		[2]string{"destination", "service_b"},
	))

	assert.Equal(t, "test_domain", key.Domain)
	assert.Equal(t, []DescriptorEntry{
		{Key: "source", Value: "client_a"},
		{Key: "destination", Value: "service_b"},
	}, key.Entries)
}

func TestDescriptorKeyString(t *testing.T) {
	key := NewDescriptorKey("domain", wireDescriptor([2]string{"key1", "value1"}))
	assert.Equal(t, "domain:key1=value1", key.String())

	multi := NewDescriptorKey("d", wireDescriptor(
		[2]string{"a", "1"},
		[2]string{"b", "2"},
	))
	assert.Equal(t, "d:a=1,b=2", multi.String())
}

func TestDescriptorKeyEqualityViaString(t *testing.T) {
	d := wireDescriptor([2]string{"test", "value"})
	k1 := NewDescriptorKey("domain", d)
	k2 := NewDescriptorKey("domain", d)

	assert.Equal(t, k1, k2)
	assert.Equal(t, k1.String(), k2.String())

	// Order matters.
	swapped := NewDescriptorKey("domain", wireDescriptor(
		[2]string{"b", "2"},
		[2]string{"a", "1"},
	))
	ordered := NewDescriptorKey("domain", wireDescriptor(
		[2]string{"a", "1"},
		[2]string{"b", "2"},
	))
	assert.NotEqual(t, ordered.String(), swapped.String())
}
