package domain

import "time"

// ClauseField is the file attribute a clause inspects.
type ClauseField string

const (
	FieldName      ClauseField = "name"
	FieldExtension ClauseField = "extension"
	FieldMime      ClauseField = "mime"
	FieldSize      ClauseField = "size"
	FieldFolder    ClauseField = "folder"
)

// ClauseOp is the comparison a clause applies.
type ClauseOp string

const (
	OpEquals     ClauseOp = "equals"
	OpNotEquals  ClauseOp = "not_equals"
	OpContains   ClauseOp = "contains"
	OpStartsWith ClauseOp = "starts_with"
	OpEndsWith   ClauseOp = "ends_with"
	OpIn         ClauseOp = "in"
	OpGlob       ClauseOp = "glob"
	OpGT         ClauseOp = "gt"
	OpGTE        ClauseOp = "gte"
	OpLT         ClauseOp = "lt"
	OpLTE        ClauseOp = "lte"
)

// Clause is one typed test against a file attribute. Values is used by the
// "in" operator; every other operator reads Value.
type Clause struct {
	Field  ClauseField `json:"field"`
	Op     ClauseOp    `json:"op"`
	Value  string      `json:"value,omitempty"`
	Values []string    `json:"values,omitempty"`
}

// ClauseGroup is a conjunction of clauses.
type ClauseGroup struct {
	Clauses []Clause `json:"clauses"`
}

// Predicate is a disjunction of clause groups. No groups matches every file.
type Predicate struct {
	Groups []ClauseGroup `json:"groups,omitempty"`
}

// MatchAll returns the predicate that matches any file.
func MatchAll() Predicate { return Predicate{} }

// Where returns a single-group predicate, the conjunction of clauses.
func Where(clauses ...Clause) Predicate {
	return Predicate{Groups: []ClauseGroup{{Clauses: clauses}}}
}

// Rule routes matching files to a provider folder. Priority orders active
// rules within a workspace, 0 first.
type Rule struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id"`
	Name             string    `json:"name"`
	Priority         int       `json:"priority"`
	Enabled          bool      `json:"enabled"`
	Predicate        Predicate `json:"predicate"`
	TargetProviderID string    `json:"target_provider_id"`
	TargetFolderPath string    `json:"target_folder_path"`
	Deleted          bool      `json:"deleted,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PlacementDecision is the output of rule evaluation. RuleID is empty when
// the workspace default was used.
type PlacementDecision struct {
	RuleID     string `json:"rule_id,omitempty"`
	ProviderID string `json:"provider_id"`
	FolderPath string `json:"folder_path"`
}

// IsDefault reports whether no rule matched.
func (d PlacementDecision) IsDefault() bool { return d.RuleID == "" }
