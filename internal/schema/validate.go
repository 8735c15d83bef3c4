package schema

import (
	"fmt"

	"github.com/blockforge/swarmd/internal/protocol"
)

// World coordinate bounds. Anything outside is rejected regardless of the
// per-type schema.
const (
	WorldMinXZ = -30_000_000.0
	WorldMaxXZ = 30_000_000.0
	WorldMinY  = -64.0
	WorldMaxY  = 319.0
)

// ValidationResult is the outcome of validating one action.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateAction checks an action against the schema table. It never
// mutates the action.
func ValidateAction(action *protocol.Action) ValidationResult {
	res := ValidationResult{Valid: true}

	if action == nil {
		res.addError("action is nil")
		return res
	}
	if action.AgentID == "" {
		res.addError("agentId is required")
	}

	fields, ok := actionSchemas[action.Type]
	if !ok {
		res.addError("unknown action type %q", action.Type)
		return res
	}

	// Unknown parameters are rejected: the catalog is closed.
	for key := range action.Params {
		if _, ok := fields[key]; !ok {
			res.addError("%s: unknown parameter %q", action.Type, key)
		}
	}

	for name, field := range fields {
		value, present := lookupParam(action, name)
		if !present {
			if field.Required {
				res.addError("%s: missing required parameter %q", action.Type, name)
			}
			continue
		}
		validateValue(&res, string(action.Type)+"."+name, field, value)
	}

	// Coordinate bounds apply to every positional parameter.
	if res.Valid {
		validateActionCoordinates(&res, action)
	}

	return res
}

func lookupParam(action *protocol.Action, name string) (any, bool) {
	if action.Params == nil {
		return nil, false
	}
	v, ok := action.Params[name]
	return v, ok
}

// validateValue walks one field recursively, appending errors to res.
func validateValue(res *ValidationResult, path string, field Field, value any) {
	switch field.Kind {
	case KindNumber:
		n, ok := asNumber(value)
		if !ok {
			res.addError("%s: expected number, got %T", path, value)
			return
		}
		if field.Min != nil && n < *field.Min {
			res.addError("%s: %v below minimum %v", path, n, *field.Min)
		}
		if field.Max != nil && n > *field.Max {
			res.addError("%s: %v above maximum %v", path, n, *field.Max)
		}

	case KindString:
		s, ok := value.(string)
		if !ok {
			res.addError("%s: expected string, got %T", path, value)
			return
		}
		if field.MinLen > 0 && len(s) < field.MinLen {
			res.addError("%s: length %d below minimum %d", path, len(s), field.MinLen)
		}
		if field.MaxLen > 0 && len(s) > field.MaxLen {
			res.addError("%s: length %d above maximum %d", path, len(s), field.MaxLen)
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			res.addError("%s: %q not in %v", path, s, field.Enum)
		}

	case KindBoolean:
		if _, ok := value.(bool); !ok {
			res.addError("%s: expected boolean, got %T", path, value)
		}

	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			res.addError("%s: expected object, got %T", path, value)
			return
		}
		for key := range m {
			if _, ok := field.Fields[key]; !ok {
				res.addError("%s: unknown field %q", path, key)
			}
		}
		for name, sub := range field.Fields {
			v, present := m[name]
			if !present {
				if sub.Required {
					res.addError("%s: missing required field %q", path, name)
				}
				continue
			}
			validateValue(res, path+"."+name, sub, v)
		}

	case KindArray:
		items, ok := value.([]any)
		if !ok {
			res.addError("%s: expected array, got %T", path, value)
			return
		}
		if field.MinItems > 0 && len(items) < field.MinItems {
			res.addError("%s: %d items below minimum %d", path, len(items), field.MinItems)
		}
		if field.MaxItems > 0 && len(items) > field.MaxItems {
			res.addError("%s: %d items above maximum %d", path, len(items), field.MaxItems)
		}
		if field.Elem != nil {
			for i, item := range items {
				validateValue(res, fmt.Sprintf("%s[%d]", path, i), *field.Elem, item)
			}
		}
	}
}

// validateActionCoordinates bounds-checks every position carried by the
// action: the target parameter and every navigate waypoint.
func validateActionCoordinates(res *ValidationResult, action *protocol.Action) {
	if pos, ok := action.TargetPosition(); ok {
		checkBounds(res, "target", pos)
	}
	for i, wp := range action.Waypoints() {
		checkBounds(res, fmt.Sprintf("waypoints[%d]", i), wp)
	}
}

// ValidateCoordinates reports whether a position lies within world bounds.
func ValidateCoordinates(pos protocol.Position) ValidationResult {
	res := ValidationResult{Valid: true}
	checkBounds(&res, "position", pos)
	return res
}

func checkBounds(res *ValidationResult, label string, pos protocol.Position) {
	if pos.X < WorldMinXZ || pos.X > WorldMaxXZ {
		res.addError("%s: x=%v outside world bounds [%v, %v]", label, pos.X, WorldMinXZ, WorldMaxXZ)
	}
	if pos.Z < WorldMinXZ || pos.Z > WorldMaxXZ {
		res.addError("%s: z=%v outside world bounds [%v, %v]", label, pos.Z, WorldMinXZ, WorldMaxXZ)
	}
	if pos.Y < WorldMinY || pos.Y > WorldMaxY {
		res.addError("%s: y=%v outside world bounds [%v, %v]", label, pos.Y, WorldMinY, WorldMaxY)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
