// Package mesh provides the gossip-backed cluster layer: UDP membership and
// failure detection via memberlist, per-node counter shards disseminated
// through gossip, and a TTL read-through cache over the summed shard values.
package mesh

import (
	"strconv"
	"strings"
)

const counterKeyPrefix = "counter|"

// CounterKey identifies one distributed counter shard: a domain, a
// serialized descriptor, and the wall-clock window start in epoch seconds.
type CounterKey struct {
	Domain     string
	Descriptor string
	Window     uint64
}

// NewCounterKey builds a counter key.
func NewCounterKey(domain, descriptor string, window uint64) CounterKey {
	return CounterKey{Domain: domain, Descriptor: descriptor, Window: window}
}

// Encode renders the key as "counter|<domain>|<descriptor>|<window>". The
// descriptor segment may itself contain '|'; ParseCounterKey relies on the
// first and last separators only.
func (k CounterKey) Encode() string {
	var b strings.Builder
	b.WriteString(counterKeyPrefix)
	b.WriteString(k.Domain)
	b.WriteByte('|')
	b.WriteString(k.Descriptor)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(k.Window, 10))
	return b.String()
}

// ParseCounterKey parses an encoded counter key. The domain ends at the
// first '|' and the window begins after the last, so descriptors containing
// '|' round-trip.
func ParseCounterKey(s string) (CounterKey, bool) {
	rest, ok := strings.CutPrefix(s, counterKeyPrefix)
	if !ok {
		return CounterKey{}, false
	}

	lastSep := strings.LastIndexByte(rest, '|')
	if lastSep < 0 {
		return CounterKey{}, false
	}
	window, err := strconv.ParseUint(rest[lastSep+1:], 10, 64)
	if err != nil {
		return CounterKey{}, false
	}

	beforeWindow := rest[:lastSep]
	firstSep := strings.IndexByte(beforeWindow, '|')
	if firstSep < 0 {
		return CounterKey{}, false
	}

	return CounterKey{
		Domain:     beforeWindow[:firstSep],
		Descriptor: beforeWindow[firstSep+1:],
		Window:     window,
	}, true
}
