// Copyright 2025 James Ross
//
// Package flow implements the FlowInterpreter: a bounded, purely
// data-driven node graph executed inside the sandbox. A Flow is a set of
// named Nodes connected by next (unary) or nextTrue/nextFalse
// (conditional) edges, entered via a trigger event. The interpreter loads
// no code of its own — every behavior a flow can exhibit is one of a
// small fixed set of node types.
package flow

import (
	"encoding/json"
	"fmt"
)

// maxSteps bounds a single run: a flow that would take more transitions
// than this aborts with "step_limit_exceeded" rather than running forever.
const maxSteps = 128

// NodeType enumerates the fixed set of operations a Flow node may
// perform. There is no escape hatch to arbitrary code.
type NodeType string

const (
	NodeSetState    NodeType = "SetState"
	NodeSetField    NodeType = "SetField"
	NodeIncrement   NodeType = "Increment"
	NodeIfElse      NodeType = "IfElse"
	NodeFilter      NodeType = "Filter"
	NodeShowToast   NodeType = "ShowToast"
	NodeNavigate    NodeType = "Navigate"
	NodeEmitMessage NodeType = "EmitMessage"
	NodePersistState NodeType = "PersistState"
	NodeCurl        NodeType = "Curl"
)

// Node is one step in the graph. Fields not relevant to Type are simply
// left zero; json.RawMessage keeps unmarshal permissive across node
// kinds without one struct per type on the wire.
type Node struct {
	Type NodeType `json:"type"`

	// SetState / SetField / Increment
	Key   string          `json:"key,omitempty"`
	Field string          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	// IfElse (Condition, NextTrue, NextFalse) / Filter (Condition only)
	Condition string `json:"condition,omitempty"` // state key treated as a boolean
	NextTrue  string `json:"nextTrue,omitempty"`
	NextFalse string `json:"nextFalse,omitempty"`

	// ShowToast
	Message string `json:"message,omitempty"`

	// Navigate
	Screen string `json:"screen,omitempty"`

	// EmitMessage
	Receiver string          `json:"receiver,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// PersistState
	Path string `json:"path,omitempty"`

	// Curl
	URL          string `json:"url,omitempty"`
	StatusKey    string `json:"statusKey,omitempty"`
	ResponseKey  string `json:"responseKey,omitempty"`

	// Next is the unary successor for every node type except IfElse, which
	// branches on NextTrue/NextFalse instead. Filter goes to Next when its
	// Condition is truthy and ends the run otherwise.
	Next string `json:"next,omitempty"`
}

// Flow is a named node graph plus the node a trigger enters at.
type Flow struct {
	Name    string          `json:"name"`
	Entry   string          `json:"entry"`
	Nodes   map[string]Node `json:"nodes"`
}

// Effects is the set of side-effecting operations a flow run may invoke.
// Injected as function values so the interpreter's step-limit and
// HTTPS-enforcement invariants are testable without a real broker behind
// them; internal/sandboxproc wires the real effects when it runs a
// plugin's flows.
type Effects struct {
	ShowToast   func(message string)
	Navigate    func(screen string)
	EmitMessage func(receiver, kind string, payload json.RawMessage) error
	PersistState func(path string, state map[string]interface{}) error
	Curl        func(url string) (status int, body []byte, err error)
}

// Result is the outcome of one flow run.
type Result struct {
	OK    bool                   `json:"ok"`
	Error string                 `json:"error,omitempty"`
	State map[string]interface{} `json:"state"`
	Steps int                    `json:"steps"`
}

// Run executes f starting at its entry node against state, mutating and
// returning state in place. A nil effect field is treated as a no-op for
// that node type rather than a panic, so a flow exercised in a context
// that never needs e.g. EmitMessage does not require a stub.
func Run(f Flow, state map[string]interface{}, effects Effects) Result {
	if state == nil {
		state = make(map[string]interface{})
	}

	current := f.Entry
	steps := 0

	for current != "" {
		if steps >= maxSteps {
			return Result{OK: false, Error: "step_limit_exceeded", State: state, Steps: steps}
		}
		node, ok := f.Nodes[current]
		if !ok {
			return Result{OK: false, Error: fmt.Sprintf("unknown node %q", current), State: state, Steps: steps}
		}
		steps++

		next, err := step(node, state, effects)
		if err != nil {
			return Result{OK: false, Error: err.Error(), State: state, Steps: steps}
		}
		current = next
	}

	return Result{OK: true, State: state, Steps: steps}
}

func step(n Node, state map[string]interface{}, effects Effects) (string, error) {
	switch n.Type {
	case NodeSetState:
		state[n.Key] = decodeValue(n.Value)
		return n.Next, nil

	case NodeSetField:
		target, _ := state[n.Key].(map[string]interface{})
		if target == nil {
			target = make(map[string]interface{})
			state[n.Key] = target
		}
		target[n.Field] = decodeValue(n.Value)
		return n.Next, nil

	case NodeIncrement:
		delta := 1.0
		if n.Value != nil {
			if v, ok := decodeValue(n.Value).(float64); ok {
				delta = v
			}
		}
		cur, _ := state[n.Key].(float64)
		state[n.Key] = cur + delta
		return n.Next, nil

	case NodeIfElse:
		if truthy(state[n.Condition]) {
			return n.NextTrue, nil
		}
		return n.NextFalse, nil

	case NodeFilter:
		if truthy(state[n.Condition]) {
			return n.Next, nil
		}
		return "", nil

	case NodeShowToast:
		if effects.ShowToast != nil {
			effects.ShowToast(n.Message)
		}
		return n.Next, nil

	case NodeNavigate:
		if effects.Navigate != nil {
			effects.Navigate(n.Screen)
		}
		return n.Next, nil

	case NodeEmitMessage:
		if effects.EmitMessage != nil {
			if err := effects.EmitMessage(n.Receiver, n.Kind, n.Payload); err != nil {
				return "", err
			}
		}
		return n.Next, nil

	case NodePersistState:
		if effects.PersistState != nil {
			if err := effects.PersistState(n.Path, state); err != nil {
				return "", err
			}
		}
		return n.Next, nil

	case NodeCurl:
		runCurl(n, state, effects)
		return n.Next, nil

	default:
		return "", fmt.Errorf("unknown node type %q", n.Type)
	}
}

// runCurl enforces HTTPS-only fetches: a non-HTTPS URL never reaches the
// injected effect at all, and the state keys are populated exactly as if
// the request had failed with an empty response.
func runCurl(n Node, state map[string]interface{}, effects Effects) {
	if len(n.URL) < 8 || n.URL[:8] != "https://" {
		if n.StatusKey != "" {
			state[n.StatusKey] = -1.0
		}
		if n.ResponseKey != "" {
			state[n.ResponseKey] = ""
		}
		return
	}

	if effects.Curl == nil {
		return
	}
	status, body, err := effects.Curl(n.URL)
	if err != nil {
		if n.StatusKey != "" {
			state[n.StatusKey] = -1.0
		}
		if n.ResponseKey != "" {
			state[n.ResponseKey] = ""
		}
		return
	}
	if n.StatusKey != "" {
		state[n.StatusKey] = float64(status)
	}
	if n.ResponseKey != "" {
		state[n.ResponseKey] = string(body)
	}
}

func decodeValue(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}
