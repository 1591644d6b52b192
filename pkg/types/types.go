// Package types defines the core data structures for the Zed memory and
// context subsystem: memory records, conversation branches, stored messages,
// cross-branch notices and the canonical inbound event.
package types

// MemoryType classifies a memory record.
type MemoryType string

// MemoryStatus is the soft-delete lifecycle status of a memory record.
type MemoryStatus string

// BranchStatus is the lifecycle status of a conversation branch.
type BranchStatus string

// Memory type constants
const (
	// MemoryEpisodic records something that happened ("Ana mentioned her exam on Friday").
	MemoryEpisodic MemoryType = "episodic"

	// MemorySemantic records a durable fact ("Ana studies medicine").
	MemorySemantic MemoryType = "semantic"

	// MemoryProcedural records how to do something ("Ana prefers voice notes").
	MemoryProcedural MemoryType = "procedural"
)

// Memory status constants
const (
	// MemoryActive records take part in retrieval.
	MemoryActive MemoryStatus = "active"

	// MemoryArchived records are kept for reference but never retrieved.
	MemoryArchived MemoryStatus = "archived"

	// MemoryFaded records have expired or decayed out of use.
	MemoryFaded MemoryStatus = "faded"
)

// Branch status constants
const (
	BranchActive  BranchStatus = "active"
	BranchDormant BranchStatus = "dormant"
	BranchClosed  BranchStatus = "closed"
)

// ValidMemoryTypes contains all valid memory type values.
var ValidMemoryTypes = []MemoryType{MemoryEpisodic, MemorySemantic, MemoryProcedural}

// ValidMemoryStatuses contains all valid memory status values.
var ValidMemoryStatuses = []MemoryStatus{MemoryActive, MemoryArchived, MemoryFaded}

// IsValid reports whether t is a known memory type.
func (t MemoryType) IsValid() bool {
	for _, v := range ValidMemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known memory status.
func (s MemoryStatus) IsValid() bool {
	for _, v := range ValidMemoryStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known branch status.
func (s BranchStatus) IsValid() bool {
	return s == BranchActive || s == BranchDormant || s == BranchClosed
}

// CanTransition validates branch status transitions.
//
// Valid transitions:
//
//	active  -> dormant | closed
//	dormant -> active | closed
//	closed  -> (terminal, no transitions out)
func (s BranchStatus) CanTransition(to BranchStatus) bool {
	switch s {
	case BranchActive:
		return to == BranchDormant || to == BranchClosed
	case BranchDormant:
		return to == BranchActive || to == BranchClosed
	default:
		return false
	}
}
