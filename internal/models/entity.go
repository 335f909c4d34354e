package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type AttributeKind string

const (
	AttributeProperty     AttributeKind = "Property"
	AttributeRelationship AttributeKind = "Relationship"
)

// Fragment is the expanded flat form of a single attribute: its kind, value
// or target, optional observation time, and nested sub-attribute fragments
// keyed by predicate name.
type Fragment struct {
	Type       AttributeKind
	Value      *Value
	Object     string
	ObservedAt *time.Time
	Sub        map[string]Fragment
}

// reserved fragment keys; everything else is a nested sub-attribute.
const (
	fragKeyType       = "type"
	fragKeyValue      = "value"
	fragKeyObject     = "object"
	fragKeyObservedAt = "observedAt"
	fragKeyCreatedAt  = "createdAt"
	fragKeyModifiedAt = "modifiedAt"
)

const dateTimeType = "DateTime"

func (f *Fragment) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed := Fragment{}
	for key, msg := range raw {
		switch key {
		case fragKeyType:
			var t string
			if err := json.Unmarshal(msg, &t); err != nil {
				return fmt.Errorf("fragment type: %w", err)
			}
			parsed.Type = AttributeKind(t)
		case fragKeyValue:
			var v Value
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("fragment value: %w", err)
			}
			parsed.Value = &v
		case fragKeyObject:
			if err := json.Unmarshal(msg, &parsed.Object); err != nil {
				return fmt.Errorf("fragment object: %w", err)
			}
		case fragKeyObservedAt:
			t, err := parseDateTime(msg)
			if err != nil {
				return fmt.Errorf("fragment observedAt: %w", err)
			}
			parsed.ObservedAt = &t
		case fragKeyCreatedAt, fragKeyModifiedAt:
			// storage-time stamps are store-owned; ignored on input
		default:
			var sub Fragment
			if err := json.Unmarshal(msg, &sub); err != nil {
				return fmt.Errorf("sub-attribute %q: %w", key, err)
			}
			if parsed.Sub == nil {
				parsed.Sub = make(map[string]Fragment)
			}
			parsed.Sub[key] = sub
		}
	}

	*f = parsed
	return nil
}

// parseDateTime accepts the bare RFC 3339 string form and the typed
// DateTime fragment form entities are rendered with.
func parseDateTime(msg json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		var typed struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(msg, &typed); err != nil || typed.Type != dateTimeType {
			return time.Time{}, fmt.Errorf("not a datetime: %s", msg)
		}
		s = typed.Value
	}
	return time.Parse(time.RFC3339, s)
}

func (f Fragment) validate() error {
	switch f.Type {
	case AttributeProperty:
		if f.Value == nil {
			return fmt.Errorf("property fragment has no value")
		}
	case AttributeRelationship:
		if f.Object == "" {
			return fmt.Errorf("relationship fragment has no object")
		}
	default:
		return fmt.Errorf("unknown fragment type %q", f.Type)
	}
	return nil
}

// Attribute is one typed edge of an entity graph: a Property carrying a value
// or a Relationship pointing at another entity, with recursively nested
// sub-attributes.
type Attribute struct {
	ID            string
	Name          string
	Kind          AttributeKind
	Value         Value
	Target        string
	CreatedAt     time.Time
	ModifiedAt    *time.Time
	ObservedAt    *time.Time
	SubAttributes []*Attribute
}

// NewAttribute builds an attribute from a validated fragment. createdAt is
// the storage time, never taken from the fragment.
func NewAttribute(name string, frag Fragment, now time.Time) (*Attribute, error) {
	if err := frag.validate(); err != nil {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}

	attr := &Attribute{
		ID:         fmt.Sprintf("urn:contextd:%s:%s", frag.Type, uuid.New()),
		Name:       name,
		Kind:       frag.Type,
		Target:     frag.Object,
		CreatedAt:  now,
		ObservedAt: frag.ObservedAt,
	}
	if frag.Value != nil {
		attr.Value = *frag.Value
	}

	for _, subName := range sortedKeys(frag.Sub) {
		sub, err := NewAttribute(subName, frag.Sub[subName], now)
		if err != nil {
			return nil, err
		}
		attr.SubAttributes = append(attr.SubAttributes, sub)
	}
	return attr, nil
}

// Apply overwrites the attribute from a fragment and records the modification
// time. modifiedAt never decreases: an older timestamp is ignored.
func (a *Attribute) Apply(frag Fragment, now time.Time) error {
	if err := frag.validate(); err != nil {
		return fmt.Errorf("attribute %q: %w", a.Name, err)
	}
	if frag.Type != a.Kind {
		return fmt.Errorf("attribute %q: cannot change kind from %s to %s", a.Name, a.Kind, frag.Type)
	}

	if frag.Value != nil {
		a.Value = *frag.Value
	}
	if frag.Object != "" {
		a.Target = frag.Object
	}
	if frag.ObservedAt != nil {
		a.ObservedAt = frag.ObservedAt
	}
	if a.ModifiedAt == nil || now.After(*a.ModifiedAt) {
		a.ModifiedAt = &now
	}

	for _, subName := range sortedKeys(frag.Sub) {
		subFrag := frag.Sub[subName]
		if existing := findAttribute(a.SubAttributes, subName); existing != nil {
			if err := existing.Apply(subFrag, now); err != nil {
				return err
			}
			continue
		}
		sub, err := NewAttribute(subName, subFrag, now)
		if err != nil {
			return err
		}
		a.SubAttributes = append(a.SubAttributes, sub)
	}
	return nil
}

func dateTimeFragment(t time.Time) map[string]any {
	return map[string]any{
		fragKeyType:  dateTimeType,
		fragKeyValue: t.UTC().Format(time.RFC3339),
	}
}

// Fragment serializes the attribute back to its flat expanded form. The
// storage timestamps come out as typed DateTime fragments under their fixed
// predicate names; unset ones are omitted.
func (a *Attribute) Fragment() map[string]any {
	out := map[string]any{
		fragKeyType: string(a.Kind),
	}
	switch a.Kind {
	case AttributeRelationship:
		out[fragKeyObject] = a.Target
	default:
		out[fragKeyValue] = a.Value.Interface()
	}

	out[fragKeyCreatedAt] = dateTimeFragment(a.CreatedAt)
	if a.ModifiedAt != nil {
		out[fragKeyModifiedAt] = dateTimeFragment(*a.ModifiedAt)
	}
	if a.ObservedAt != nil {
		out[fragKeyObservedAt] = dateTimeFragment(*a.ObservedAt)
	}

	for _, sub := range a.SubAttributes {
		out[sub.Name] = sub.Fragment()
	}
	return out
}

// Entity is a uniquely identified node owning an ordered set of attributes.
// Identity is by ID alone.
type Entity struct {
	ID         string
	Types      []string
	Attributes []*Attribute
	CreatedAt  time.Time
}

// EntityFromFragments constructs an entity from expanded predicate/fragment
// pairs. Fragments arrive as a decoded JSON object, so creation order is
// normalized to predicate order.
func EntityFromFragments(id string, types []string, frags map[string]Fragment, now time.Time) (*Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("entity %q: at least one type is required", id)
	}

	entity := &Entity{
		ID:        id,
		Types:     types,
		CreatedAt: now,
	}
	for _, name := range sortedKeys(frags) {
		attr, err := NewAttribute(name, frags[name], now)
		if err != nil {
			return nil, err
		}
		entity.Attributes = append(entity.Attributes, attr)
	}
	return entity, nil
}

func (e *Entity) HasType(label string) bool {
	for _, t := range e.Types {
		if t == label {
			return true
		}
	}
	return false
}

// Attribute returns the named top-level attribute.
func (e *Entity) Attribute(name string) (*Attribute, bool) {
	attr := findAttribute(e.Attributes, name)
	return attr, attr != nil
}

// Upsert merges a fragment into the entity: existing attributes are applied
// onto, new ones appended in insertion order.
func (e *Entity) Upsert(name string, frag Fragment, now time.Time) error {
	if existing := findAttribute(e.Attributes, name); existing != nil {
		return existing.Apply(frag, now)
	}
	attr, err := NewAttribute(name, frag, now)
	if err != nil {
		return err
	}
	e.Attributes = append(e.Attributes, attr)
	return nil
}

// Payload renders the full entity in the flat expanded form.
func (e *Entity) Payload() map[string]any {
	out := map[string]any{
		"id":   e.ID,
		"type": e.Types,
	}
	for _, attr := range e.Attributes {
		out[attr.Name] = attr.Fragment()
	}
	return out
}

// NodeCount is the number of graph nodes owned by the entity (itself plus
// every attribute, recursively). Delete reports it for idempotency checks.
func (e *Entity) NodeCount() int {
	count := 1
	for _, attr := range e.Attributes {
		count += attributeNodeCount(attr)
	}
	return count
}

func attributeNodeCount(a *Attribute) int {
	count := 1
	for _, sub := range a.SubAttributes {
		count += attributeNodeCount(sub)
	}
	return count
}

// Clone returns a deep copy of the entity. Stores hand out clones so a
// reader never shares attribute state with a concurrent writer.
func (e *Entity) Clone() *Entity {
	out := &Entity{
		ID:        e.ID,
		Types:     append([]string(nil), e.Types...),
		CreatedAt: e.CreatedAt,
	}
	for _, attr := range e.Attributes {
		out.Attributes = append(out.Attributes, attr.clone())
	}
	return out
}

func (a *Attribute) clone() *Attribute {
	out := *a
	out.ModifiedAt = copyTime(a.ModifiedAt)
	out.ObservedAt = copyTime(a.ObservedAt)
	out.SubAttributes = nil
	for _, sub := range a.SubAttributes {
		out.SubAttributes = append(out.SubAttributes, sub.clone())
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func findAttribute(attrs []*Attribute, name string) *Attribute {
	for _, attr := range attrs {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

func sortedKeys(m map[string]Fragment) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
