// Package tooltype owns the classification scheme for application runs.
//
// Every run carries an integer tool-type code assigned once at creation.
// The set of codes is closed within a process but grows across deployments,
// so lookups must tolerate codes this binary has never heard of: an unknown
// code on a historical row is a forward-compatibility case, not an error.
package tooltype

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Reserved codes seeded into every registry. Codes are append-only: once a
// code has been assigned a meaning it is never redefined; new meanings get
// new codes.
const (
	CodeRegularApp           = 0 // regular application, not an AI tool
	CodeAgentGenerator       = 1
	CodeSkillGenerator       = 2
	CodeRoundTableSummary    = 3 // round-table meeting-summary generator
	CodeRoundTableTargetData = 4 // round-table target-data generator
)

// ErrDuplicateCode is returned when a registration conflicts with an existing
// definition for the same code.
var ErrDuplicateCode = errors.New("tooltype: duplicate code")

// ToolType describes one classification code.
type ToolType struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	DispatchKey string `json:"dispatch_key"` // empty for code 0: regular runs are never dispatched
}

// IsAITool reports whether runs with this code are AI-tool runs.
// Code 0 is the only non-AI value.
func (t ToolType) IsAITool() bool {
	return t.Code != CodeRegularApp
}

// Kind is the tagged-variant view of a code. Unknown is a first-class
// variant so that rows written by newer deployments stay readable.
type Kind int

const (
	KindRegularApp Kind = iota
	KindAgentGenerator
	KindSkillGenerator
	KindRoundTableSummary
	KindRoundTableTargetData
	KindUnknown
)

// KindOf maps a raw code to its variant. Codes outside the reserved set map
// to KindUnknown regardless of whether a registry knows them.
func KindOf(code int) Kind {
	switch code {
	case CodeRegularApp:
		return KindRegularApp
	case CodeAgentGenerator:
		return KindAgentGenerator
	case CodeSkillGenerator:
		return KindSkillGenerator
	case CodeRoundTableSummary:
		return KindRoundTableSummary
	case CodeRoundTableTargetData:
		return KindRoundTableTargetData
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindRegularApp:
		return "regular_app"
	case KindAgentGenerator:
		return "agent_generator"
	case KindSkillGenerator:
		return "skill_generator"
	case KindRoundTableSummary:
		return "round_table_summary"
	case KindRoundTableTargetData:
		return "round_table_target_data"
	default:
		return "unknown"
	}
}

// Registry holds the tool types known to this process.
//
// Registration happens during process initialization only — from the seeded
// defaults, config, and embed options — and never concurrently with run
// traffic. The RWMutex makes reads safe regardless, but steady-state
// operation treats the registry as immutable.
type Registry struct {
	mu    sync.RWMutex
	types map[int]ToolType
}

// NewRegistry returns a registry pre-seeded with the built-in codes.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[int]ToolType)}
	for _, t := range []ToolType{
		{Code: CodeRegularApp, Name: "regular application", DispatchKey: ""},
		{Code: CodeAgentGenerator, Name: "agent generator", DispatchKey: "agent_generator"},
		{Code: CodeSkillGenerator, Name: "skill generator", DispatchKey: "skill_generator"},
		{Code: CodeRoundTableSummary, Name: "round-table meeting-summary generator", DispatchKey: "round_table_summary"},
		{Code: CodeRoundTableTargetData, Name: "round-table target-data generator", DispatchKey: "round_table_target_data"},
	} {
		// Seeding a fresh map cannot conflict.
		r.types[t.Code] = t
	}
	return r
}

// Register adds a classification code. Re-registering an identical definition
// is idempotent; registering a different definition for an existing code
// fails with ErrDuplicateCode. Codes must be non-negative.
func (r *Registry) Register(code int, name, dispatchKey string) error {
	if code < 0 {
		return fmt.Errorf("tooltype: register %d: code must be non-negative", code)
	}
	t := ToolType{Code: code, Name: name, DispatchKey: dispatchKey}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[code]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("tooltype: register %d as %q: %w (already %q)", code, name, ErrDuplicateCode, existing.Name)
	}
	r.types[code] = t
	return nil
}

// Lookup returns the tool type for a code. The second return is false for
// codes unknown to this process; callers reading historical data must treat
// that as a normal condition, not a failure.
func (r *Registry) Lookup(code int) (ToolType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[code]
	return t, ok
}

// IsValidForCreation reports whether new runs may be created with this code.
// Only codes known to the current process qualify — historical reads tolerate
// unknown codes, new writes never do.
func (r *Registry) IsValidForCreation(code int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[code]
	return ok
}

// All returns every registered tool type ordered by code.
func (r *Registry) All() []ToolType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Codes returns the set of registered codes, for outbox re-arming at startup.
func (r *Registry) Codes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]int, 0, len(r.types))
	for c := range r.types {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}
