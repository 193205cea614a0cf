package model

import (
	"fmt"
	"strings"
	"time"
)

// PageSize is the granularity used to align fault addresses and offsets.
const PageSize = 0x1000

// Timestamp is a monotonic trace time in nanoseconds.
// It is signed so that reverse playback arithmetic never wraps.
type Timestamp int64

// Duration converts t to a time.Duration.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t)
}

func (t Timestamp) String() string {
	return time.Duration(t).String()
}

// KindClass distinguishes the fixed page-fault probe from user-configured events.
type KindClass uint8

const (
	// KindPageFault is produced by the fixed page-fault probes.
	KindPageFault KindClass = iota + 1
	// KindCustomPrecise is produced by any other configured perf event.
	KindCustomPrecise
)

func (c KindClass) String() string {
	switch c {
	case KindPageFault:
		return "page-fault"
	case KindCustomPrecise:
		return "custom"
	default:
		return "unknown"
	}
}

// Fault tags used by the default page-fault selectors.
const (
	TagMajorFault = "major-fault"
	TagMinorFault = "minor-fault"
)

// Kind is the kind of a traced event: PageFault or CustomPrecise(Tag).
type Kind struct {
	Class KindClass
	Tag   string
}

// PageFault returns a page-fault kind with the given fault tag.
func PageFault(tag string) Kind {
	return Kind{Class: KindPageFault, Tag: tag}
}

// CustomPrecise returns a user-configured event kind labelled tag.
func CustomPrecise(tag string) Kind {
	return Kind{Class: KindCustomPrecise, Tag: tag}
}

// IsFault reports whether k came from a page-fault probe.
func (k Kind) IsFault() bool {
	return k.Class == KindPageFault
}

// IsMajor reports whether k is a major page fault.
func (k Kind) IsMajor() bool {
	return k.Class == KindPageFault && k.Tag == TagMajorFault
}

func (k Kind) String() string {
	if k.Tag == "" {
		return k.Class.String()
	}
	return k.Class.String() + "(" + k.Tag + ")"
}

// RawEvent is one decoded sample, before attribution.
type RawEvent struct {
	Timestamp Timestamp
	TID       uint32
	Address   uint64
	Kind      Kind
	Precise   bool
}

// AttributedEvent is a RawEvent resolved against the mapping live at its timestamp.
type AttributedEvent struct {
	MappingID MappingID
	// Offset is relative to the start of the mapping: 0 <= Offset < mapping length.
	Offset uint64
	// FileOffset is Offset shifted by the mapping's offset into its backing file.
	FileOffset uint64
	Kind       Kind
	Timestamp  Timestamp
	TID        uint32
	Address    uint64
	// Approximate is set for non-precise custom events whose address may be skid-affected.
	Approximate bool
}

// Selector describes one perf event configured at trace start.
type Selector struct {
	Label string
	Kind  Kind
}

// SelectorTable maps the event-selector index carried by each sample to its Selector.
type SelectorTable []Selector

// Lookup returns the selector at index i.
func (t SelectorTable) Lookup(i uint32) (Selector, bool) {
	if uint64(i) >= uint64(len(t)) {
		return Selector{}, false
	}
	return t[i], true
}

// Match returns the selector configured for a perf event name. perf script
// prints names with modifiers and a trailing colon ("minor-faults:u:"): an
// exact label match wins, otherwise the names before the first ':' must be equal.
func (t SelectorTable) Match(eventName string) (Selector, bool) {
	name := strings.TrimSuffix(eventName, ":")
	for _, s := range t {
		if name == s.Label {
			return s, true
		}
	}
	base := baseEventName(name)
	for _, s := range t {
		if base == baseEventName(s.Label) {
			return s, true
		}
	}
	return Selector{}, false
}

func baseEventName(name string) string {
	base, _, _ := strings.Cut(name, ":")
	return base
}

// DefaultSelectors returns the fixed page-fault probes, always at indexes 0 and 1.
func DefaultSelectors() SelectorTable {
	return SelectorTable{
		{Label: "major-faults:u", Kind: PageFault(TagMajorFault)},
		{Label: "minor-faults:u", Kind: PageFault(TagMinorFault)},
	}
}

// ParseSelector parses an event specification of the form "<perf-event>,<type>",
// where type is one of miss, major or minor.
func ParseSelector(spec string) (Selector, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 2 || parts[0] == "" {
		return Selector{}, fmt.Errorf("event %q must be of the form <perf-event>,<type>", spec)
	}

	label := strings.TrimSpace(parts[0])
	switch strings.TrimSpace(parts[1]) {
	case "miss":
		return Selector{Label: label, Kind: CustomPrecise(label)}, nil
	case "major":
		return Selector{Label: label, Kind: PageFault(TagMajorFault)}, nil
	case "minor":
		return Selector{Label: label, Kind: PageFault(TagMinorFault)}, nil
	default:
		return Selector{}, fmt.Errorf("event %q: type must be one of miss, major, minor", spec)
	}
}
