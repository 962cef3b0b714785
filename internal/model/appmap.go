package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrDuplicateApplication = errors.New("duplicate application mapping")

type Protocol string

const (
	TCP      Protocol = "tcp"
	UDP      Protocol = "udp"
	ICMP     Protocol = "icmp"
	AnyProto Protocol = "any"
)

// Signature renders a raw port/protocol application name. A negative low
// port means every port.
func Signature(proto Protocol, low, high int) string {
	switch {
	case low < 0:
		return fmt.Sprintf("*/%s", proto)
	case high <= low:
		return fmt.Sprintf("%d/%s", low, proto)
	default:
		return fmt.Sprintf("%d-%d/%s", low, high, proto)
	}
}

// ApplicationMap translates raw application signatures to canonical names.
// A nil map translates nothing.
type ApplicationMap struct {
	names map[string]string
}

// NewApplicationMap rejects two raw keys mapping to the same canonical name.
func NewApplicationMap(raw map[string]string) (*ApplicationMap, error) {
	owner := make(map[string]string, len(raw))
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		canonical := raw[key]
		if prev, ok := owner[canonical]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %q", ErrDuplicateApplication, prev, key, canonical)
		}
		owner[canonical] = key
	}
	return &ApplicationMap{names: maps.Clone(raw)}, nil
}

func (m *ApplicationMap) Lookup(raw string) string {
	if m == nil {
		return raw
	}
	if name, ok := m.names[raw]; ok {
		return name
	}
	return raw
}

// Keys returns the raw signatures in sorted order.
func (m *ApplicationMap) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.names))
}

func (m *ApplicationMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}
