package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/blockforge/swarmd/internal/protocol"
)

func action(t protocol.ActionType, params map[string]any) *protocol.Action {
	return &protocol.Action{
		ID:        "test-action",
		Type:      t,
		AgentID:   "agent-1",
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateMoveTo(t *testing.T) {
	res := ValidateAction(action(protocol.ActionMoveTo, map[string]any{
		"target": map[string]any{"x": 10.0, "y": 64.0, "z": -3.0},
	}))
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidateUnknownType(t *testing.T) {
	res := ValidateAction(action("teleport", nil))
	if res.Valid {
		t.Fatal("expected unknown type to be rejected")
	}
	if !strings.Contains(res.Errors[0], "unknown action type") {
		t.Errorf("unexpected error: %v", res.Errors)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	res := ValidateAction(action(protocol.ActionMoveTo, nil))
	if res.Valid {
		t.Fatal("expected missing target to be rejected")
	}
}

func TestValidateMissingAgentID(t *testing.T) {
	a := action(protocol.ActionChat, map[string]any{"message": "hi"})
	a.AgentID = ""
	if res := ValidateAction(a); res.Valid {
		t.Fatal("expected missing agentId to be rejected")
	}
}

func TestValidateWrongPrimitiveType(t *testing.T) {
	res := ValidateAction(action(protocol.ActionChat, map[string]any{
		"message": 42,
	}))
	if res.Valid {
		t.Fatal("expected non-string message to be rejected")
	}
}

func TestValidateStringLengthCaps(t *testing.T) {
	tests := []struct {
		name    string
		message string
		valid   bool
	}{
		{"empty", "", false},
		{"single char", "a", true},
		{"at cap", strings.Repeat("x", 256), true},
		{"over cap", strings.Repeat("x", 257), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateAction(action(protocol.ActionChat, map[string]any{
				"message": tt.message,
			}))
			if res.Valid != tt.valid {
				t.Errorf("message len %d: valid=%v, want %v (%v)",
					len(tt.message), res.Valid, tt.valid, res.Errors)
			}
		})
	}
}

func TestValidateEnumMismatch(t *testing.T) {
	res := ValidateAction(action(protocol.ActionPlaceBlock, map[string]any{
		"target":    map[string]any{"x": 0.0, "y": 64.0, "z": 0.0},
		"blockType": "stone",
		"face":      "diagonal",
	}))
	if res.Valid {
		t.Fatal("expected bad face enum to be rejected")
	}
}

func TestValidateNumberRange(t *testing.T) {
	tests := []struct {
		name  string
		slot  float64
		valid bool
	}{
		{"min", 0, true},
		{"max", 8, true},
		{"below", -1, false},
		{"above", 9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateAction(action(protocol.ActionDropItem, map[string]any{
				"slot": tt.slot,
			}))
			if res.Valid != tt.valid {
				t.Errorf("slot %v: valid=%v, want %v (%v)", tt.slot, res.Valid, tt.valid, res.Errors)
			}
		})
	}
}

func TestValidateNavigateWaypointBounds(t *testing.T) {
	res := ValidateAction(action(protocol.ActionNavigate, map[string]any{
		"waypoints": []any{},
	}))
	if res.Valid {
		t.Fatal("expected empty waypoint list to be rejected")
	}

	wps := make([]any, 51)
	for i := range wps {
		wps[i] = map[string]any{"x": float64(i), "y": 64.0, "z": 0.0}
	}
	res = ValidateAction(action(protocol.ActionNavigate, map[string]any{
		"waypoints": wps,
	}))
	if res.Valid {
		t.Fatal("expected 51 waypoints to be rejected")
	}
}

func TestValidateUnknownParameter(t *testing.T) {
	res := ValidateAction(action(protocol.ActionChat, map[string]any{
		"message": "hello",
		"volume":  11,
	}))
	if res.Valid {
		t.Fatal("expected unknown parameter to be rejected")
	}
}

func TestValidateCoordinateBounds(t *testing.T) {
	tests := []struct {
		name  string
		pos   protocol.Position
		valid bool
	}{
		{"origin", protocol.Position{X: 0, Y: 64, Z: 0}, true},
		{"world edge", protocol.Position{X: 30_000_000, Y: 319, Z: -30_000_000}, true},
		{"x overflow", protocol.Position{X: 30_000_001, Y: 64, Z: 0}, false},
		{"below bedrock", protocol.Position{X: 0, Y: -65, Z: 0}, false},
		{"above build limit", protocol.Position{X: 0, Y: 320, Z: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCoordinates(tt.pos)
			if res.Valid != tt.valid {
				t.Errorf("%v: valid=%v, want %v (%v)", tt.pos, res.Valid, tt.valid, res.Errors)
			}
		})
	}
}

func TestValidateActionCoordinates(t *testing.T) {
	res := ValidateAction(action(protocol.ActionMoveTo, map[string]any{
		"target": map[string]any{"x": 40_000_000.0, "y": 64.0, "z": 0.0},
	}))
	if res.Valid {
		t.Fatal("expected out-of-bounds target to be rejected")
	}
}

func TestSafeBlockType(t *testing.T) {
	for _, name := range []string{"tnt", "command_block", "bedrock", "spawner", "end_portal_frame"} {
		if SafeBlockType(name) {
			t.Errorf("%s should be unsafe", name)
		}
	}
	for _, name := range []string{"stone", "coal_ore", "oak_log", "dirt"} {
		if !SafeBlockType(name) {
			t.Errorf("%s should be safe", name)
		}
	}
}

func TestKnownTypeCoversCatalog(t *testing.T) {
	for _, at := range protocol.ActionTypes() {
		if !KnownType(at) {
			t.Errorf("catalog type %s has no schema", at)
		}
	}
}
