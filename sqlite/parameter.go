package sqlite

import (
	"strings"
)

// ParameterDirection mirrors the usual data-provider directions. Only
// DirectionInput carries a value into the statement.
type ParameterDirection int

const (
	DirectionInput       ParameterDirection = 1
	DirectionOutput      ParameterDirection = 2
	DirectionInputOutput ParameterDirection = 3
	DirectionReturnValue ParameterDirection = 6
)

func (d ParameterDirection) String() string {
	switch d {
	case DirectionInput:
		return "Input"
	case DirectionOutput:
		return "Output"
	case DirectionInputOutput:
		return "InputOutput"
	case DirectionReturnValue:
		return "ReturnValue"
	}
	return "Unknown"
}

// Parameter is a named bind value.
type Parameter struct {
	// Name may carry a leading '@', ':' or '$' marker.
	Name       string
	Value      any
	DbType     DbType
	Direction  ParameterDirection
	IsNullable bool
	Size       int
}

// NewParameter returns an Input parameter.
func NewParameter(name string, value any) *Parameter {
	return &Parameter{Name: name, Value: value, DbType: DbTypeObject, Direction: DirectionInput}
}

const parameterMarkers = "@:$"

// normalizeParameterName strips one marker and lower-cases the rest, giving
// the key parameter names are compared by.
func normalizeParameterName(name string) string {
	name = strings.TrimSpace(name)
	if name != "" && strings.IndexByte(parameterMarkers, name[0]) >= 0 {
		name = name[1:]
	}
	return strings.ToLower(name)
}

// ParameterCollection is an ordered list of parameters whose names are
// unique, compared without case or marker. Parameters with an empty name
// are unnamed and bind by position.
type ParameterCollection struct {
	params []*Parameter
}

func (c *ParameterCollection) Len() int { return len(c.params) }

func (c *ParameterCollection) checkIndex(i int) error {
	if i < 0 || i >= len(c.params) {
		return NewConfigurationError(ErrInvalidArgument, "index %d is out of range", i)
	}
	return nil
}

// At returns the parameter at index i.
func (c *ParameterCollection) At(i int) (*Parameter, error) {
	if err := c.checkIndex(i); err != nil {
		return nil, err
	}
	return c.params[i], nil
}

// All returns the parameters in order. The slice must not be modified.
func (c *ParameterCollection) All() []*Parameter { return c.params }

func (c *ParameterCollection) checkNew(p *Parameter) error {
	if p != nil && p.Name == "" {
		return nil
	}
	if p == nil || normalizeParameterName(p.Name) == "" {
		return NewConfigurationError(ErrInvalidParameter, "The parameter name appears to be invalid.")
	}
	if c.IndexOf(p.Name) >= 0 {
		return NewConfigurationError(ErrInvalidParameter,
			"The specified parameter name '%s' already exists in the collection; multiple parameters with the same name cannot be added.",
			p.Name)
	}
	return nil
}

// Add appends p and returns its index.
func (c *ParameterCollection) Add(p *Parameter) (int, error) {
	if err := c.checkNew(p); err != nil {
		return -1, err
	}
	if p.Direction == 0 {
		p.Direction = DirectionInput
	}
	c.params = append(c.params, p)
	return len(c.params) - 1, nil
}

// AddWithValue appends an Input parameter and returns it.
func (c *ParameterCollection) AddWithValue(name string, value any) (*Parameter, error) {
	p := NewParameter(name, value)
	if _, err := c.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddRange appends every parameter, stopping at the first failure.
func (c *ParameterCollection) AddRange(params ...*Parameter) error {
	for _, p := range params {
		if _, err := c.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Insert places p at index i.
func (c *ParameterCollection) Insert(i int, p *Parameter) error {
	if i < 0 || i > len(c.params) {
		return NewConfigurationError(ErrInvalidArgument, "index %d is out of range", i)
	}
	if err := c.checkNew(p); err != nil {
		return err
	}
	if p.Direction == 0 {
		p.Direction = DirectionInput
	}
	c.params = append(c.params, nil)
	copy(c.params[i+1:], c.params[i:])
	c.params[i] = p
	return nil
}

// IndexOf returns the index of the named parameter, or -1.
func (c *ParameterCollection) IndexOf(name string) int {
	key := normalizeParameterName(name)
	if key == "" {
		return -1
	}
	for i, p := range c.params {
		if normalizeParameterName(p.Name) == key {
			return i
		}
	}
	return -1
}

func (c *ParameterCollection) Contains(name string) bool { return c.IndexOf(name) >= 0 }

// Get returns the named parameter.
func (c *ParameterCollection) Get(name string) (*Parameter, bool) {
	if i := c.IndexOf(name); i >= 0 {
		return c.params[i], true
	}
	return nil, false
}

// Remove removes p if present.
func (c *ParameterCollection) Remove(p *Parameter) {
	for i, q := range c.params {
		if q == p {
			c.params = append(c.params[:i], c.params[i+1:]...)
			return
		}
	}
}

// RemoveAt removes the parameter at index i.
func (c *ParameterCollection) RemoveAt(i int) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.params = append(c.params[:i], c.params[i+1:]...)
	return nil
}

func (c *ParameterCollection) Clear() { c.params = nil }
