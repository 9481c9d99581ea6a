package jtree

import (
	"errors"
	"fmt"
)

// Schema is the parsed shape of an object schema tree. Only the parts
// the federation engine needs are modelled: the type tag, per-property
// child schemas for objects, the item schema for arrays. The full raw
// node is retained for storage and hashing.
type Schema struct {
	Type       string
	Properties map[string]*Schema
	Items      *Schema
	Raw        Object
}

var ErrBadSchema = errors.New("jtree: malformed schema")
var ErrValidation = errors.New("jtree: data does not match schema")

func ParseSchema(n Node) (*Schema, error) {
	if n == nil {
		return nil, nil
	}
	o, ok := n.(Object)
	if !ok {
		return nil, ErrBadSchema
	}
	typ, _ := o.GetString("type")
	s := &Schema{Type: typ, Raw: o}
	switch typ {
	case "object":
		props, ok := o["properties"].(Object)
		if !ok {
			return nil, fmt.Errorf("%w: object schema without properties", ErrBadSchema)
		}
		s.Properties = make(map[string]*Schema, len(props))
		for name, sub := range props {
			ps, err := ParseSchema(sub)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = ps
		}
	case "array":
		items, ok := o["items"]
		if !ok {
			return nil, fmt.Errorf("%w: array schema without items", ErrBadSchema)
		}
		is, err := ParseSchema(items)
		if err != nil {
			return nil, err
		}
		s.Items = is
	}
	return s, nil
}

func (s *Schema) required() []string {
	req, _ := s.Raw["required"].(Array)
	names := make([]string, 0, len(req))
	for _, e := range req {
		if name, ok := e.(String); ok {
			names = append(names, string(name))
		}
	}
	return names
}

// Validate checks data against the schema shape. It is deliberately a
// shallow structural check (type correspondence plus required object
// properties): full constraint validation happens upstream of
// federation, this only guards against committing a merge result the
// owning instance could never have produced.
func Validate(data Node, s *Schema) error {
	if s == nil {
		return nil
	}
	if data == nil {
		return fmt.Errorf("%w: missing value", ErrValidation)
	}
	switch s.Type {
	case "object":
		o, ok := data.(Object)
		if !ok {
			return fmt.Errorf("%w: expected object", ErrValidation)
		}
		for _, name := range s.required() {
			if _, ok := o[name]; !ok {
				return fmt.Errorf("%w: missing required property %q", ErrValidation, name)
			}
		}
		for name, sub := range s.Properties {
			if v, ok := o[name]; ok {
				if err := Validate(v, sub); err != nil {
					return err
				}
			}
		}
		return nil
	case "array":
		a, ok := data.(Array)
		if !ok {
			return fmt.Errorf("%w: expected array", ErrValidation)
		}
		for _, e := range a {
			if err := Validate(e, s.Items); err != nil {
				return err
			}
		}
		return nil
	default:
		// Leaf value. Typed leaves arrive as tagged objects
		// ({"_type": "text", ...}); the tag must agree with the schema.
		switch d := data.(type) {
		case Array:
			return fmt.Errorf("%w: expected leaf for type %q", ErrValidation, s.Type)
		case Object:
			tag, ok := d.GetString("_type")
			if ok && s.Type != "" && tag != s.Type {
				return fmt.Errorf("%w: leaf tagged %q under schema type %q", ErrValidation, tag, s.Type)
			}
			return nil
		default:
			return nil
		}
	}
}
