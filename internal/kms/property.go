package kms

import (
	"fmt"
	"maps"
	"slices"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Property is one property of one kernel object as read at load time.
// A nil *Property stands for a property the object does not have; every
// method is safe to call on it.
type Property struct {
	id     uint32
	name   string
	flags  uint32
	value  uint64
	values []uint64
	enums  []drm.PropertyEnum
}

// Exists reports whether the object has this property.
func (p *Property) Exists() bool { return p != nil }

// ID returns the property id, 0 if absent.
func (p *Property) ID() uint32 {
	if p == nil {
		return 0
	}
	return p.id
}

// Name returns the property name.
func (p *Property) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Value returns the value read when the property set was last loaded.
func (p *Property) Value() uint64 {
	if p == nil {
		return 0
	}
	return p.value
}

// IsImmutable reports whether userspace may not change the property.
func (p *Property) IsImmutable() bool { return p != nil && p.flags&drm.PropImmutable != 0 }

// IsRange reports whether the property is an unsigned range.
func (p *Property) IsRange() bool { return p != nil && p.flags&drm.PropRange != 0 }

// IsEnum reports whether the property is an enum.
func (p *Property) IsEnum() bool { return p != nil && p.flags&drm.PropEnum != 0 }

// IsBitmask reports whether the property is a bitmask.
func (p *Property) IsBitmask() bool { return p != nil && p.flags&drm.PropBitmask != 0 }

// IsBlob reports whether the property holds a blob id.
func (p *Property) IsBlob() bool { return p != nil && p.flags&drm.PropBlob != 0 }

// Range returns the bounds of a range property.
func (p *Property) Range() (lo, hi uint64, ok bool) {
	if !p.IsRange() || len(p.values) < 2 {
		return 0, 0, false
	}
	return p.values[0], p.values[1], true
}

// HasEnum reports whether an enum or bitmask property defines name.
func (p *Property) HasEnum(name string) bool {
	_, err := p.EnumValue(name)
	return err == nil
}

// EnumValue resolves an enum name to the value to write. For bitmask
// properties this is the bit, not its index.
func (p *Property) EnumValue(name string) (uint64, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: enum %q", ErrPropertyNotFound, name)
	}
	for _, e := range p.enums {
		if e.Name != name {
			continue
		}
		if p.IsBitmask() {
			return 1 << e.Value, nil
		}
		return e.Value, nil
	}
	return 0, fmt.Errorf("%w: %q has no %q", ErrUnknownEnum, p.name, name)
}

// EnumName returns the name of an enum value.
func (p *Property) EnumName(value uint64) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, e := range p.enums {
		if e.Value == value {
			return e.Name, true
		}
	}
	return "", false
}

// Enums returns the names an enum or bitmask property defines.
func (p *Property) Enums() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.enums))
	for i, e := range p.enums {
		names[i] = e.Name
	}
	return names
}

// AddTo queues value for this property on obj in req.
func (p *Property) AddTo(req *drm.AtomicRequest, obj uint32, value uint64) error {
	if p == nil {
		return ErrPropertyNotFound
	}
	if p.IsImmutable() {
		return fmt.Errorf("%w: %s", ErrPropertyImmutable, p.name)
	}
	if lo, hi, ok := p.Range(); ok && (value < lo || value > hi) {
		return fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrPropertyRange, p.name, value, lo, hi)
	}
	req.Add(obj, p.id, value)
	return nil
}

// AddEnumTo queues the value of an enum name on obj in req.
func (p *Property) AddEnumTo(req *drm.AtomicRequest, obj uint32, name string) error {
	v, err := p.EnumValue(name)
	if err != nil {
		return err
	}
	return p.AddTo(req, obj, v)
}

// PropertySet holds the properties of one kernel object.
type PropertySet struct {
	objectID   uint32
	objectType uint32
	props      map[string]*Property
}

func loadProperties(drv Driver, objectID, objectType uint32) (*PropertySet, error) {
	values, err := drv.ObjectProperties(objectID, objectType)
	if err != nil {
		return nil, fmt.Errorf("get properties of object %d: %w", objectID, err)
	}
	set := &PropertySet{
		objectID:   objectID,
		objectType: objectType,
		props:      make(map[string]*Property, len(values)),
	}
	for _, pv := range values {
		info, err := drv.Property(pv.ID)
		if err != nil {
			return nil, fmt.Errorf("get property %d of object %d: %w", pv.ID, objectID, err)
		}
		set.props[info.Name] = &Property{
			id:     info.ID,
			name:   info.Name,
			flags:  info.Flags,
			value:  pv.Value,
			values: info.Values,
			enums:  info.Enums,
		}
	}
	return set, nil
}

// refresh re-reads current values without re-reading definitions.
func (s *PropertySet) refresh(drv Driver) error {
	values, err := drv.ObjectProperties(s.objectID, s.objectType)
	if err != nil {
		return fmt.Errorf("get properties of object %d: %w", s.objectID, err)
	}
	byID := make(map[uint32]*Property, len(s.props))
	for _, p := range s.props {
		byID[p.id] = p
	}
	for _, pv := range values {
		if p, ok := byID[pv.ID]; ok {
			p.value = pv.Value
		}
	}
	return nil
}

// Get returns the named property, or nil if the object lacks it.
func (s *PropertySet) Get(name string) *Property {
	if s == nil {
		return nil
	}
	return s.props[name]
}

// Names returns the property names in sorted order.
func (s *PropertySet) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.props))
}

// set writes a property directly with OBJ_SETPROPERTY, outside any atomic commit.
func (s *PropertySet) set(drv Driver, name string, value uint64) error {
	p := s.Get(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPropertyNotFound, name)
	}
	if err := drv.SetObjectProperty(s.objectID, s.objectType, p.id, value); err != nil {
		return fmt.Errorf("set %s on object %d: %w", name, s.objectID, err)
	}
	p.value = value
	return nil
}
