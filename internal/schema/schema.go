// Package schema validates atomic actions against a declarative per-type
// schema table. The table is the source of truth for action parameters:
// unknown types, missing fields, wrong primitive types, out-of-range values
// and enum mismatches are all rejected here, before an action can reach
// policy or a driver. The validator is pure and stateless.
package schema

import (
	"github.com/blockforge/swarmd/internal/protocol"
)

// Kind is the primitive kind of a schema field.
type Kind string

const (
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// Field describes one parameter slot in an action schema. Zero limits mean
// unconstrained.
type Field struct {
	Kind     Kind
	Required bool

	// strings
	MinLen int
	MaxLen int
	Enum   []string

	// numbers
	Min *float64
	Max *float64

	// objects
	Fields map[string]Field

	// arrays
	Elem     *Field
	MinItems int
	MaxItems int
}

func numRange(min, max float64) (*float64, *float64) {
	return &min, &max
}

// positionField is the {x,y,z} object shape shared by every targeted action.
func positionField(required bool) Field {
	return Field{
		Kind:     KindObject,
		Required: required,
		Fields: map[string]Field{
			"x": {Kind: KindNumber, Required: true},
			"y": {Kind: KindNumber, Required: true},
			"z": {Kind: KindNumber, Required: true},
		},
	}
}

// actionSchemas maps each action type to its parameter schema. Parameter
// keys are part of the wire contract and must not be renamed.
var actionSchemas = map[protocol.ActionType]map[string]Field{
	protocol.ActionMoveTo: {
		"target": positionField(true),
	},
	protocol.ActionNavigate: {
		"waypoints": {
			Kind:     KindArray,
			Required: true,
			MinItems: 1,
			MaxItems: 50,
			Elem:     func() *Field { f := positionField(true); return &f }(),
		},
	},
	protocol.ActionFollow: {
		"target": {
			Kind:     KindObject,
			Required: true,
			Fields: map[string]Field{
				"entity": {Kind: KindString, Required: true, MinLen: 1, MaxLen: 32},
			},
		},
	},
	protocol.ActionMineBlock: {
		"target":    positionField(true),
		"blockType": {Kind: KindString, MaxLen: 32},
	},
	protocol.ActionPlaceBlock: {
		"target":    positionField(true),
		"blockType": {Kind: KindString, Required: true, MinLen: 1, MaxLen: 32},
		"face": {
			Kind: KindString,
			Enum: []string{"top", "bottom", "north", "south", "east", "west"},
		},
	},
	protocol.ActionInteract: {
		"target": positionField(true),
		"hand":   {Kind: KindString, Enum: []string{"left", "right"}},
	},
	protocol.ActionUseItem: {
		"itemName": {Kind: KindString, Required: true, MinLen: 1, MaxLen: 32},
		"target":   positionField(false),
	},
	protocol.ActionLookAt: {
		"target": positionField(true),
	},
	protocol.ActionChat: {
		"message": {Kind: KindString, Required: true, MinLen: 1, MaxLen: 256},
	},
	protocol.ActionGetInventory: {},
	protocol.ActionEquipItem: {
		"itemName": {Kind: KindString, Required: true, MinLen: 1, MaxLen: 32},
		"slot": func() Field {
			min, max := numRange(0, 8)
			return Field{Kind: KindNumber, Min: min, Max: max}
		}(),
	},
	protocol.ActionDropItem: {
		"slot": func() Field {
			min, max := numRange(0, 8)
			return Field{Kind: KindNumber, Required: true, Min: min, Max: max}
		}(),
		"count": func() Field {
			min, max := numRange(1, 64)
			return Field{Kind: KindNumber, Min: min, Max: max}
		}(),
	},
}

// Schema returns the parameter schema for an action type, or false if the
// type is unknown.
func Schema(t protocol.ActionType) (map[string]Field, bool) {
	s, ok := actionSchemas[t]
	return s, ok
}

// KnownType reports whether t is in the closed action catalog.
func KnownType(t protocol.ActionType) bool {
	_, ok := actionSchemas[t]
	return ok
}
