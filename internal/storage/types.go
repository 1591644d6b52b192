package storage

import (
	"errors"
	"time"

	"github.com/scrypster/zedcore/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a lifecycle transition that the state
	// machine does not allow (for example reopening a closed branch).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// CandidateQuery selects the candidate superset for scored retrieval.
type CandidateQuery struct {
	// Types restricts candidates to the given memory types. Empty means all.
	Types []types.MemoryType

	// CreatedAfter filters to records created at or after this time.
	// Zero value means no lower bound.
	CreatedAfter time.Time

	// CreatedBefore filters to records created strictly before this time.
	// Zero value means no upper bound.
	CreatedBefore time.Time

	// Limit caps the number of candidates (default: 50, max: 1000).
	Limit int

	// Now is the reference instant for expiry; zero means time.Now().
	Now time.Time

	// Embedding, when set and the backend supports vector indexing, adds the
	// nearest neighbours to the importance-ordered candidates.
	Embedding []float32
}

// Normalize applies defaults and bounds to the CandidateQuery.
func (q *CandidateQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 50
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
}

// BranchFilter selects branches for ListBranches.
type BranchFilter struct {
	// Statuses restricts to the given statuses. Empty means all.
	Statuses []types.BranchStatus

	// ExcludeID omits one branch (typically the caller's own).
	ExcludeID string

	// ActiveSince filters to branches active at or after this time.
	ActiveSince time.Time

	// Limit caps the result size (default: 20, max: 200).
	Limit int
}

// Normalize applies defaults and bounds to the BranchFilter.
func (f *BranchFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

// ToMillis converts t to unix milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds back to a UTC time; 0 maps to the
// zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
