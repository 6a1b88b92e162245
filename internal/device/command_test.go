package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		raw     string
		want    Command
		wantErr error
	}{
		{"move", "move", `{"x":1,"y":2,"z":3,"speed":10}`, Move{X: 1, Y: 2, Z: 3, Speed: 10}, nil},
		{"rotate", "rotate", `{"angle":90,"speed":5}`, Rotate{Angle: 90, Speed: 5}, nil},
		{"activate", "activate", `{"actuator":"gripper","force":20}`, Activate{Actuator: "gripper", Force: 20}, nil},
		{"deactivate", "deactivate", `{"actuator":"gripper"}`, Deactivate{Actuator: "gripper"}, nil},
		{"configure", "configure", `{"settings":{"mode":"eco"}}`, Configure{Settings: map[string]string{"mode": "eco"}}, nil},
		{"status empty body", "status", ``, Status{}, nil},
		{"emergency null body", "emergency_stop", `null`, EmergencyStop{}, nil},
		{"unknown field", "move", `{"x":1,"warp":9}`, nil, ErrInvalidCommand},
		{"negative speed", "move", `{"x":1,"speed":-1}`, nil, ErrInvalidCommand},
		{"negative force", "activate", `{"actuator":"a","force":-2}`, nil, ErrInvalidCommand},
		{"activate without actuator", "activate", `{"force":2}`, nil, ErrInvalidCommand},
		{"configure without settings", "configure", `{}`, nil, ErrInvalidCommand},
		{"wrong type", "rotate", `{"angle":"left"}`, nil, ErrInvalidCommand},
		{"unknown kind", "teleport", `{}`, nil, ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand(tt.kind, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeCommand_DecodesBack(t *testing.T) {
	b, err := EncodeCommand(Move{X: 1, Y: 2, Z: 3, Speed: 4})
	require.NoError(t, err)

	var env struct {
		Type       string          `json:"type"`
		Parameters json.RawMessage `json:"parameters"`
	}
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, "move", env.Type)

	cmd, err := DecodeCommand(env.Type, env.Parameters)
	require.NoError(t, err)
	assert.Equal(t, Move{X: 1, Y: 2, Z: 3, Speed: 4}, cmd)
}

func TestExecutedCommand_JSONKeepsCommand(t *testing.T) {
	in := ExecutedCommand{ExecutionID: "session_1_exec_1", Kind: KindRotate, Command: Rotate{Angle: 90, Speed: 5}, Priority: 1, Success: true}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out ExecutedCommand
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "session_1_exec_1", out.ExecutionID)
	assert.Equal(t, Rotate{Angle: 90, Speed: 5}, out.Command)
	assert.True(t, out.Success)

	var bad ExecutedCommand
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"type":"teleport","parameters":{}}`), &bad), ErrUnknownCommand)
}
