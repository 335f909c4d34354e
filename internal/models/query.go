package models

import (
	"strconv"
	"strings"

	"github.com/sumandas0/contextd/pkg/utils"
)

// Operator is a predicate comparison operator in its store form.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "<>"
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// Predicate is one (attribute, operator, literal) filter triple.
type Predicate struct {
	Attribute string
	Op        Operator
	Literal   string
}

// EntityQuery filters entities by an exact type label and ANDed predicates.
type EntityQuery struct {
	Type       string
	Predicates []Predicate
	Limit      int
	Offset     int
}

// query-grammar operators in match order: two-character forms first so ">="
// is not read as ">" followed by a stray "=".
var queryOperators = []struct {
	token string
	op    Operator
}{
	{"==", OpEqual},
	{"!=", OpNotEqual},
	{">=", OpGreaterEqual},
	{"<=", OpLessEqual},
	{">", OpGreater},
	{"<", OpLess},
}

// ParseQueryPredicates parses the q parameter grammar
// `name<op>value[;name<op>value...]` with op one of ==, !=, >, >=, <, <=.
func ParseQueryPredicates(q string) ([]Predicate, error) {
	if strings.TrimSpace(q) == "" {
		return nil, nil
	}

	var predicates []Predicate
	for _, clause := range strings.Split(q, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, utils.NewAppError(utils.CodeBadRequestData, "empty clause in query filter", nil).
				WithDetail("q", q)
		}

		predicate, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, predicate)
	}
	return predicates, nil
}

func parseClause(clause string) (Predicate, error) {
	for _, candidate := range queryOperators {
		idx := strings.Index(clause, candidate.token)
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(clause[:idx])
		literal := strings.TrimSpace(clause[idx+len(candidate.token):])
		if name == "" || literal == "" {
			break
		}
		literal = strings.Trim(literal, `"`)
		return Predicate{Attribute: name, Op: candidate.op, Literal: literal}, nil
	}
	return Predicate{}, utils.NewAppError(utils.CodeBadRequestData, "malformed query clause", nil).
		WithDetail("clause", clause)
}

// Matches evaluates the predicate against a candidate's attribute. A missing
// attribute fails every operator except <>, where absence counts as
// not-equal.
func (p Predicate) Matches(attr *Attribute) bool {
	if attr == nil {
		return p.Op == OpNotEqual
	}

	if attr.Kind == AttributeRelationship {
		return compareStrings(attr.Target, p.Op, p.Literal)
	}

	if stored, ok := attr.Value.Float(); ok {
		if literal, err := strconv.ParseFloat(p.Literal, 64); err == nil {
			return compareFloats(stored, p.Op, literal)
		}
	}
	return compareStrings(attr.Value.Lexeme(), p.Op, p.Literal)
}

// MatchesEntity applies the predicate to a candidate entity's top-level
// attributes.
func (p Predicate) MatchesEntity(e *Entity) bool {
	attr, _ := e.Attribute(p.Attribute)
	return p.Matches(attr)
}

func compareFloats(stored float64, op Operator, literal float64) bool {
	switch op {
	case OpEqual:
		return stored == literal
	case OpNotEqual:
		return stored != literal
	case OpGreater:
		return stored > literal
	case OpGreaterEqual:
		return stored >= literal
	case OpLess:
		return stored < literal
	case OpLessEqual:
		return stored <= literal
	default:
		return false
	}
}

func compareStrings(stored string, op Operator, literal string) bool {
	switch op {
	case OpEqual:
		return stored == literal
	case OpNotEqual:
		return stored != literal
	case OpGreater:
		return stored > literal
	case OpGreaterEqual:
		return stored >= literal
	case OpLess:
		return stored < literal
	case OpLessEqual:
		return stored <= literal
	default:
		return false
	}
}

