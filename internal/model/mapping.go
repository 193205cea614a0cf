package model

import "fmt"

// MappingID is the unique handle of one mapping lifetime.
// A region that is resized or re-mapped gets a fresh MappingID.
type MappingID uint64

// Mapping is a file-backed region of the traced process's address space.
type Mapping struct {
	ID         MappingID
	Path       string
	Start      uint64 // inclusive
	End        uint64 // exclusive
	FileOffset uint64
	CreatedAt  Timestamp
	// DestroyedAt is only meaningful once Open is false.
	DestroyedAt Timestamp
	Open        bool
}

// Len returns the size of the mapped range in bytes.
func (m Mapping) Len() uint64 {
	return m.End - m.Start
}

// Contains reports whether addr falls inside [Start, End).
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// LiveAt reports whether the mapping exists at t: CreatedAt <= t < DestroyedAt.
func (m Mapping) LiveAt(t Timestamp) bool {
	if t < m.CreatedAt {
		return false
	}
	return m.Open || t < m.DestroyedAt
}

func (m Mapping) String() string {
	return fmt.Sprintf("#%d %s [%#x-%#x) @%#x", m.ID, m.Path, m.Start, m.End, m.FileOffset)
}

// ChangeOp is the kind of a MappingChange.
type ChangeOp uint8

const (
	// OpCreated introduces a new mapping.
	OpCreated ChangeOp = iota + 1
	// OpDestroyed ends the lifetime of an existing mapping.
	OpDestroyed
)

func (op ChangeOp) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MappingChange is either Created(Mapping) or Destroyed(ID, At).
type MappingChange struct {
	Op      ChangeOp
	Mapping Mapping   // set for OpCreated
	ID      MappingID // set for OpDestroyed
	At      Timestamp // set for OpDestroyed
}

// Created builds a creation change. The mapping is marked open.
func Created(m Mapping) MappingChange {
	m.Open = true
	m.DestroyedAt = 0
	return MappingChange{Op: OpCreated, Mapping: m}
}

// Destroyed builds a destruction change for mapping id at time at.
func Destroyed(id MappingID, at Timestamp) MappingChange {
	return MappingChange{Op: OpDestroyed, ID: id, At: at}
}

// Timestamp returns the time at which the change takes effect.
func (c MappingChange) Timestamp() Timestamp {
	if c.Op == OpCreated {
		return c.Mapping.CreatedAt
	}
	return c.At
}

func (c MappingChange) String() string {
	if c.Op == OpCreated {
		return fmt.Sprintf("created %s at %s", c.Mapping, c.Mapping.CreatedAt)
	}
	return fmt.Sprintf("destroyed #%d at %s", c.ID, c.At)
}
