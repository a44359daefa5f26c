package persistence

import (
	"strings"
)

// Reserved parameter names. Attribute parameters never start with "_".
const (
	ParamID          = "_id"
	ParamVersion     = "_version"
	ParamNextVersion = "_nextVersion"
	ParamOwner       = "_owner"
	ParamElement     = "_element"
	ParamIndex       = "_index"
	ParamKey         = "_key"
	ParamDelta       = "_delta"
)

// Alias is the entity alias used in rendered statements.
const Alias = "e"

// Statement is a store-agnostic write the Persistence Context executes.
type Statement interface {
	// Entity names the backing entity the statement targets.
	Entity() string
	String() string
}

// Assignment is one "e.<path> = :<param>" fragment.
type Assignment struct {
	Path  string
	Param string
}

// UpdateStatement is a targeted UPDATE of one backing row:
//
//	UPDATE <Entity> e SET e.<path> = :<param>, ... WHERE e.<id> = :_id [AND e.<version> = :_version]
type UpdateStatement struct {
	EntityName  string
	Assignments []Assignment
	IDPath      string
	// VersionPath is empty for unversioned statements.
	VersionPath string
}

// Entity implements Statement.
func (s *UpdateStatement) Entity() string { return s.EntityName }

// IsEmpty reports whether the statement would set nothing.
func (s *UpdateStatement) IsEmpty() bool { return len(s.Assignments) == 0 }

// Paths returns the assigned attribute paths in order.
func (s *UpdateStatement) Paths() []string {
	out := make([]string, len(s.Assignments))
	for i, a := range s.Assignments {
		out[i] = a.Path
	}
	return out
}

// Prefix renders "UPDATE <Entity> e SET ".
func (s *UpdateStatement) Prefix() string {
	return "UPDATE " + s.EntityName + " " + Alias + " SET "
}

// Postfix renders the WHERE clause.
func (s *UpdateStatement) Postfix() string {
	var sb strings.Builder
	sb.WriteString(" WHERE ")
	sb.WriteString(Alias + "." + s.IDPath + " = :" + ParamID)
	if s.VersionPath != "" {
		sb.WriteString(" AND " + Alias + "." + s.VersionPath + " = :" + ParamVersion)
	}
	return sb.String()
}

// String implements Statement.
func (s *UpdateStatement) String() string {
	parts := make([]string, len(s.Assignments))
	for i, a := range s.Assignments {
		parts[i] = Alias + "." + a.Path + " = :" + a.Param
	}
	return s.Prefix() + strings.Join(parts, ", ") + s.Postfix()
}

// UpdateBuilder accumulates SET fragments contributed by flushers.
type UpdateBuilder struct {
	assignments []Assignment
}

// Set appends "e.<path> = :<param>".
func (b *UpdateBuilder) Set(path, param string) {
	b.assignments = append(b.assignments, Assignment{Path: path, Param: param})
}

// Len returns the number of fragments.
func (b *UpdateBuilder) Len() int { return len(b.assignments) }

// Build creates the statement. versionPath may be empty.
func (b *UpdateBuilder) Build(entity, idPath, versionPath string) *UpdateStatement {
	return &UpdateStatement{
		EntityName:  entity,
		Assignments: append([]Assignment(nil), b.assignments...),
		IDPath:      idPath,
		VersionPath: versionPath,
	}
}

// CollectionOp is the kind of a join-table statement.
type CollectionOp int

const (
	// OpInsert adds (owner, [index|key,] element).
	OpInsert CollectionOp = iota
	// OpDeleteElement removes rows of owner holding :_element.
	OpDeleteElement
	// OpDeleteIndex removes the row of owner at :_index.
	OpDeleteIndex
	// OpDeleteKey removes the row of owner under :_key.
	OpDeleteKey
	// OpUpdateIndex sets the element of owner at :_index.
	OpUpdateIndex
	// OpUpdateKey sets the element of owner under :_key.
	OpUpdateKey
	// OpShiftIndex adds :_delta to every index of owner >= :_index.
	OpShiftIndex
	// OpDeleteAll removes every row of owner.
	OpDeleteAll
)

// CollectionStatement targets the join table of a plural attribute.
type CollectionStatement struct {
	Op         CollectionOp
	EntityName string
	Attribute  string
	// Indexed and Keyed describe the join table shape for rendering.
	Indexed bool
	Keyed   bool
}

// Entity implements Statement.
func (s *CollectionStatement) Entity() string { return s.EntityName }

// String implements Statement.
func (s *CollectionStatement) String() string {
	table := s.EntityName + "." + s.Attribute
	owner := "owner = :" + ParamOwner
	switch s.Op {
	case OpInsert:
		switch {
		case s.Indexed:
			return "INSERT INTO " + table + " (owner, index, element) VALUES (:" + ParamOwner + ", :" + ParamIndex + ", :" + ParamElement + ")"
		case s.Keyed:
			return "INSERT INTO " + table + " (owner, key, element) VALUES (:" + ParamOwner + ", :" + ParamKey + ", :" + ParamElement + ")"
		default:
			return "INSERT INTO " + table + " (owner, element) VALUES (:" + ParamOwner + ", :" + ParamElement + ")"
		}
	case OpDeleteElement:
		return "DELETE FROM " + table + " WHERE " + owner + " AND element = :" + ParamElement
	case OpDeleteIndex:
		return "DELETE FROM " + table + " WHERE " + owner + " AND index = :" + ParamIndex
	case OpDeleteKey:
		return "DELETE FROM " + table + " WHERE " + owner + " AND key = :" + ParamKey
	case OpUpdateIndex:
		return "UPDATE " + table + " SET element = :" + ParamElement + " WHERE " + owner + " AND index = :" + ParamIndex
	case OpUpdateKey:
		return "UPDATE " + table + " SET element = :" + ParamElement + " WHERE " + owner + " AND key = :" + ParamKey
	case OpShiftIndex:
		return "UPDATE " + table + " SET index = index + :" + ParamDelta + " WHERE " + owner + " AND index >= :" + ParamIndex
	case OpDeleteAll:
		return "DELETE FROM " + table + " WHERE " + owner
	default:
		return "UNKNOWN " + table
	}
}
