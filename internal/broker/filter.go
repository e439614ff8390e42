// ABOUTME: Per-connection outbound filters applied to frames pulled from the bus.
// ABOUTME: A size ceiling plus per-kind name allowlists with a wildcard sentinel.

package broker

import (
	"github.com/zencelium/zencelium/internal/frame"
)

// defaultMaxFrameSize is the initial outbound size ceiling in bytes.
const defaultMaxFrameSize = 1024

// smallFrameThreshold selects small-frames mode: at or below this ceiling the
// correlation uuid and meta are stripped before the size check, so constrained
// clients receive bare frames.
const smallFrameThreshold = 256

// filterSet is a name allowlist. The wildcard "*" is stored as a sentinel
// rather than a map key; a set is either permit-all or an explicit name set.
type filterSet struct {
	all   bool
	names map[string]struct{}
}

// newFilterSet returns a permit-all set, the initial state for every kind.
func newFilterSet() *filterSet {
	return &filterSet{all: true}
}

// replace swaps the allowlist for the given names. A "*" entry anywhere in
// names makes the set permit-all again.
func (s *filterSet) replace(names []string) {
	s.all = false
	s.names = make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "*" {
			s.all = true
			s.names = nil
			return
		}
		s.names[n] = struct{}{}
	}
}

// add admits a single name without touching the rest of the set.
func (s *filterSet) add(name string) {
	if s.all {
		return
	}
	if s.names == nil {
		s.names = make(map[string]struct{})
	}
	s.names[name] = struct{}{}
}

// allows reports whether name passes the set.
func (s *filterSet) allows(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// filters is the complete outbound filter state of one connection.
// Requests and responses share the request set so a response passes exactly
// when its request's name is allowed.
type filters struct {
	maxFrameSize int
	event        *filterSet
	message      *filterSet
	request      *filterSet
}

func newFilters() *filters {
	return &filters{
		maxFrameSize: defaultMaxFrameSize,
		event:        newFilterSet(),
		message:      newFilterSet(),
		request:      newFilterSet(),
	}
}

// apply runs the outbound rules against f. It returns the frame to write
// (possibly stripped) and whether it survived. The input frame is not
// mutated.
//
// Rules, in order: small-frames stripping, size ceiling, per-kind name
// allowlist. Kinds without an allowlist (commands) are dropped: server
// replies are written to the socket directly and never travel this path.
func (fl *filters) apply(f *frame.Frame) (*frame.Frame, bool) {
	out := f
	if fl.maxFrameSize <= smallFrameThreshold {
		out = f.Clone()
		out.ClearCorrelation()
		out.Meta = nil
	}

	size, err := out.Size()
	if err != nil || size > fl.maxFrameSize {
		return nil, false
	}

	switch out.Kind {
	case frame.KindEvent:
		return out, fl.event.allows(out.Name)
	case frame.KindMessage:
		return out, fl.message.allows(out.Name)
	case frame.KindRequest, frame.KindResponse:
		return out, fl.request.allows(out.Name)
	}
	return nil, false
}
