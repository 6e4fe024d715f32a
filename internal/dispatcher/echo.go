package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
)

// Echo answers ping and getCurrentState deterministically and treats
// setMode as config-only, without ever contacting a real assistant.
// It exists purely to exercise the Dispatcher contract end-to-end in
// tests and as a local-development stand-in for a real in-editor
// binding, per §4.5.
type Echo struct {
	Model string
	Mode  string
}

// NewEcho returns an Echo with a default model/mode pair.
func NewEcho() *Echo {
	return &Echo{Model: "echo-model", Mode: "chat"}
}

func (e *Echo) Dispatch(ctx context.Context, command string, params json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	switch command {
	case "ping":
		data, _ := json.Marshal(map[string]string{"message": "pong"})
		return Result{Success: true, Data: data, ModelUsed: e.Model, ModeUsed: e.Mode}, nil

	case "getCurrentState":
		data, _ := json.Marshal(map[string]string{"model": e.Model, "mode": e.Mode})
		return Result{Success: true, Data: data, ModelUsed: e.Model, ModeUsed: e.Mode}, nil

	case "setMode":
		var p struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(params, &p); err != nil || (p.Mode != "agent" && p.Mode != "chat") {
			return Result{Success: false, Error: fmt.Sprintf("setMode: invalid mode params %q", params)}, nil
		}
		e.Mode = p.Mode
		data, _ := json.Marshal(map[string]string{"mode": e.Mode})
		return Result{Success: true, Data: data, ModelUsed: e.Model, ModeUsed: e.Mode}, nil

	case "submitPrompt":
		var p struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Prompt == "" {
			return Result{Success: false, Error: "submitPrompt: missing prompt"}, nil
		}
		data, _ := json.Marshal(map[string]string{"output": "echo: " + p.Prompt})
		return Result{Success: true, Data: data, ModelUsed: e.Model, ModeUsed: e.Mode}, nil

	default:
		return Result{Success: false, Error: fmt.Sprintf("echo: unhandled command %q", command)}, nil
	}
}
