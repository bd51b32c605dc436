package pipeline

import (
	"time"

	"cortexmind/internal/models"
)

// State is the position of a subject in the pipeline. Every subject ends in
// exactly one terminal state; only Written produces an output file.
//
//	Pending -> InputMissing | Extracted
//	Extracted -> EmptyDistribution | Computed
//	Computed -> ComputeFailed | Written | WriteFailed
type State int

const (
	Pending State = iota
	InputMissing
	Extracted
	EmptyDistribution
	Computed
	ComputeFailed
	WriteFailed
	Written
)

var stateNames = [...]string{
	Pending:           "pending",
	InputMissing:      "input_missing",
	Extracted:         "extracted",
	EmptyDistribution: "empty_distribution",
	Computed:          "computed",
	ComputeFailed:     "compute_failed",
	WriteFailed:       "write_failed",
	Written:           "written",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a subject's processing
func (s State) Terminal() bool {
	switch s {
	case InputMissing, EmptyDistribution, ComputeFailed, WriteFailed, Written:
		return true
	}
	return false
}

// SkipStates lists the terminal states that leave no output, in report order
var SkipStates = []State{InputMissing, EmptyDistribution, ComputeFailed, WriteFailed}

// Result is the outcome of one subject: either Written, with the output
// path, or skipped with the terminal state as reason and the cause in Err.
type Result struct {
	Subject models.SubjectID
	State   State

	// Path is the output file; set only when State is Written
	Path string

	// Regions is the number of regions in the similarity matrix, or in the
	// distribution when the subject failed after extraction
	Regions int

	Err      error
	Duration time.Duration
}

// Written reports whether the subject produced an output file
func (r Result) Written() bool {
	return r.State == Written
}

// Reason returns the skip reason, or "" for written subjects
func (r Result) Reason() string {
	if r.Written() {
		return ""
	}
	return r.State.String()
}
