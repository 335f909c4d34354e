package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sumandas0/contextd/internal/models"
)

// attributeRecord is the hand-written storage shape of an attribute graph
// node. The store persists these instead of reflecting over model types.
type attributeRecord struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Target     string            `json:"target,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt *time.Time        `json:"modified_at,omitempty"`
	ObservedAt *time.Time        `json:"observed_at,omitempty"`
	Sub        []attributeRecord `json:"sub,omitempty"`
}

func recordFromAttribute(attr *models.Attribute) (attributeRecord, error) {
	record := attributeRecord{
		ID:         attr.ID,
		Name:       attr.Name,
		Kind:       string(attr.Kind),
		Target:     attr.Target,
		CreatedAt:  attr.CreatedAt,
		ModifiedAt: attr.ModifiedAt,
		ObservedAt: attr.ObservedAt,
	}

	if attr.Kind == models.AttributeProperty {
		raw, err := json.Marshal(attr.Value)
		if err != nil {
			return attributeRecord{}, fmt.Errorf("marshal value of %q: %w", attr.Name, err)
		}
		record.Value = raw
	}

	for _, sub := range attr.SubAttributes {
		subRecord, err := recordFromAttribute(sub)
		if err != nil {
			return attributeRecord{}, err
		}
		record.Sub = append(record.Sub, subRecord)
	}
	return record, nil
}

func (r attributeRecord) toAttribute() (*models.Attribute, error) {
	attr := &models.Attribute{
		ID:         r.ID,
		Name:       r.Name,
		Kind:       models.AttributeKind(r.Kind),
		Target:     r.Target,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
		ObservedAt: r.ObservedAt,
	}

	if len(r.Value) > 0 {
		var value models.Value
		if err := json.Unmarshal(r.Value, &value); err != nil {
			return nil, fmt.Errorf("unmarshal value of %q: %w", r.Name, err)
		}
		attr.Value = value
	}

	for _, subRecord := range r.Sub {
		sub, err := subRecord.toAttribute()
		if err != nil {
			return nil, err
		}
		attr.SubAttributes = append(attr.SubAttributes, sub)
	}
	return attr, nil
}

func marshalAttributes(entity *models.Entity) ([]byte, error) {
	records := make([]attributeRecord, 0, len(entity.Attributes))
	for _, attr := range entity.Attributes {
		record, err := recordFromAttribute(attr)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return json.Marshal(records)
}

func unmarshalAttributes(raw []byte) ([]*models.Attribute, error) {
	var records []attributeRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("unmarshal attribute records: %w", err)
	}

	attrs := make([]*models.Attribute, 0, len(records))
	for _, record := range records {
		attr, err := record.toAttribute()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// propEntry is the per-attribute comparison document the query translator
// targets: the numeric form when the stored value is numeric, and the lexical
// form always.
type propEntry struct {
	Num *float64 `json:"n,omitempty"`
	Str string   `json:"s"`
}

func marshalProps(entity *models.Entity) ([]byte, error) {
	props := make(map[string]propEntry, len(entity.Attributes))
	for _, attr := range entity.Attributes {
		entry := propEntry{}
		if attr.Kind == models.AttributeRelationship {
			entry.Str = attr.Target
		} else {
			if f, ok := attr.Value.Float(); ok {
				num := f
				entry.Num = &num
			}
			entry.Str = attr.Value.Lexeme()
		}
		props[attr.Name] = entry
	}
	return json.Marshal(props)
}
