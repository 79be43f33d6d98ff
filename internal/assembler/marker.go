package assembler

import (
	"strconv"
	"strings"

	"github.com/HyphaGroup/tether/internal/protocol"
)

type markerState int

const (
	markerShown markerState = iota
	markerPending
	markerReplayed
)

// marker is a handover or run failure seen since the last keyed event
type marker struct {
	kind   string
	fields []string
	after  string
	state  markerState
	build  func(id string) protocol.Aggregate
}

// key names the marker by its neighbour: side is "after" for the keyed event
// before it, "before" for the one following it. pos counts markers between
// the two, so markers sharing a neighbour stay apart.
func (m *marker) key(side, neighbour string, pos int) string {
	parts := append([]string{side, neighbour, strconv.Itoa(pos)}, m.fields...)
	return markerID(m.kind, parts...)
}

func (m *marker) content() string {
	return m.kind + "\x00" + strings.Join(m.fields, "\x00")
}

// addMarker shows m unless it repeats a marker already in the list. A marker
// whose preceding key matches a shown one is a replay. One whose content was
// already shown under another neighbour is held until the next keyed event
// settles it.
func (a *Assembler) addMarker(m *marker) []Delta {
	pos := len(a.trail)
	a.trail = append(a.trail, m)
	m.after = m.key("after", a.anchor, pos)

	switch {
	case a.markerKeys[m.after]:
		m.state = markerReplayed
		return nil
	case a.markerContent[m.content()]:
		m.state = markerPending
		return nil
	default:
		m.state = markerShown
		return a.showMarker(m, m.after)
	}
}

func (a *Assembler) showMarker(m *marker, id string) []Delta {
	a.markerKeys[m.after] = true
	a.markerKeys[id] = true
	a.markerContent[m.content()] = true
	return a.appendAggregate(m.build(id))
}

// touch records a keyed event. Markers since the previous one learn their
// following key; held markers are shown unless that key identifies them as
// already shown.
func (a *Assembler) touch(key string) []Delta {
	var deltas []Delta
	for pos, m := range a.trail {
		before := m.key("before", key, len(a.trail)-pos)
		switch m.state {
		case markerShown:
			a.markerKeys[before] = true
		case markerPending:
			if a.markerKeys[before] {
				continue
			}
			deltas = append(deltas, a.showMarker(m, before)...)
		}
	}
	a.trail = nil
	a.anchor = key
	return deltas
}
