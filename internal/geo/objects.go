package geo

import "fmt"

// ObjectType classifies landscape objects for edit locking. The numeric
// values are stored in the locks table and must stay stable.
type ObjectType int

const (
	ObjectUnknown ObjectType = iota
	ObjectInfrastructureLine
	ObjectVegetation
	ObjectHydrography
	ObjectBuilding
	ObjectRelief
)

// Subtype narrows an ObjectType. Zero means the whole type. Values are
// scoped per type; the locks table stores them alongside the type id.
type Subtype int

// Subtypes of ObjectInfrastructureLine.
const (
	SubtypeRoad Subtype = iota + 1
	SubtypePowerline
	SubtypeFence
	SubtypeBridge
)

var objectTypeNames = map[ObjectType]string{
	ObjectInfrastructureLine: "infrastructure_line",
	ObjectVegetation:         "vegetation",
	ObjectHydrography:        "hydrography",
	ObjectBuilding:           "building",
	ObjectRelief:             "relief",
}

var subtypeNames = map[ObjectType]map[Subtype]string{
	ObjectInfrastructureLine: {
		SubtypeRoad:      "road",
		SubtypePowerline: "powerline",
		SubtypeFence:     "fence",
		SubtypeBridge:    "bridge",
	},
}

// Verbose returns the lowercase wire name of the type.
func (t ObjectType) Verbose() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("object_type_%d", int(t))
}

func (t ObjectType) String() string { return t.Verbose() }

// Verbose returns the wire name of the subtype within its type.
func (s Subtype) Verbose(t ObjectType) string {
	if names, ok := subtypeNames[t]; ok {
		if name, ok := names[s]; ok {
			return name
		}
	}
	return fmt.Sprintf("subtype_%d", int(s))
}

// ParseObjectType resolves a wire name back to the type id.
func ParseObjectType(name string) (ObjectType, error) {
	for t, n := range objectTypeNames {
		if n == name {
			return t, nil
		}
	}
	return ObjectUnknown, fmt.Errorf("unknown object type %q", name)
}

// ParseSubtype resolves a wire name within the given type.
func ParseSubtype(t ObjectType, name string) (Subtype, error) {
	for s, n := range subtypeNames[t] {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown subtype %q of %s", name, t)
}
