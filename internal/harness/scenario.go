package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reactor/internal/message"
)

// Scenario is a scripted conversation between a reactor and a fake backend.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// AppID is sent in the init handshake. Default: "harness-app".
	AppID string `yaml:"app_id,omitempty"`

	// Offline starts the fake network listener offline.
	Offline bool `yaml:"offline,omitempty"`

	// Schema is an optional CUE app schema used to validate transactions.
	// Relative paths are resolved against the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// Steps run in order; the reactor is drained after each one.
	Steps []Step `yaml:"steps"`

	// Expect validates the trace, the sockets and the final snapshot.
	Expect []Assertion `yaml:"expect"`
}

// Step is one scripted action. Do selects which of the other fields apply.
type Step struct {
	Do string `yaml:"do"`

	// Name labels a transact step, so frames can refer to its id as
	// $name, or a subscribe step, so a later unsubscribe can name it.
	Name string `yaml:"name,omitempty"`

	// SessionID answers init in an open step.
	SessionID string `yaml:"session_id,omitempty"`

	// Frame is delivered by a frame step.
	Frame map[string]any `yaml:"frame,omitempty"`

	// Duration is how far an advance step moves the clock.
	Duration string `yaml:"duration,omitempty"`

	// Query is the subscribe step's query.
	Query map[string]any `yaml:"query,omitempty"`

	// Ops are the transact step's operations.
	Ops []OpStep `yaml:"ops,omitempty"`

	// User signs in.
	User *UserStep `yaml:"user,omitempty"`

	// RoomID, Topic and Data drive the room steps.
	RoomID string         `yaml:"room_id,omitempty"`
	Topic  string         `yaml:"topic,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`
}

// OpStep is one transaction operation.
type OpStep struct {
	Action    string         `yaml:"action"`
	Namespace string         `yaml:"namespace"`
	ID        string         `yaml:"id"`
	Attrs     map[string]any `yaml:"attrs,omitempty"`
}

// Op converts the step to a transaction operation.
func (o OpStep) Op() message.Op {
	return message.Op{
		Action:    message.OpAction(o.Action),
		Namespace: o.Namespace,
		ID:        o.ID,
		Attrs:     o.Attrs,
	}
}

// UserStep is the identity of a sign-in step.
type UserStep struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

// Step kinds.
const (
	StepStart       = "start"
	StepOnline      = "online"
	StepOffline     = "offline"
	StepOpen        = "open"
	StepFrame       = "frame"
	StepClose       = "close"
	StepAdvance     = "advance"
	StepSubscribe   = "subscribe"
	StepUnsubscribe = "unsubscribe"
	StepTransact    = "transact"
	StepSignIn      = "sign-in"
	StepSignOut     = "sign-out"
	StepJoinRoom    = "join-room"
	StepSetPresence = "set-presence"
	StepLeaveRoom   = "leave-room"
	StepPublish     = "publish"
)

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Message is the bus message type (trace_contains, trace_count).
	Message string `yaml:"message,omitempty"`

	// Fields is a subset match against a trace event's fields, or against
	// the snapshot for snapshot assertions.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Messages is the expected order of first occurrences (trace_order).
	Messages []string `yaml:"messages,omitempty"`

	// Conn selects a socket for sent_ops, 1-based; 0 means the latest.
	Conn int `yaml:"conn,omitempty"`

	// Ops is the exact list of ops written on the socket (sent_ops).
	Ops []string `yaml:"ops,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertSentOps       = "sent_ops"
	AssertSnapshot      = "snapshot"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "expects:" for "expect:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Expect) == 0 {
		return fmt.Errorf("expect list is required and must be non-empty")
	}
	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	names := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
		if step.Do == StepUnsubscribe {
			if !names[step.Name] {
				return fmt.Errorf("steps[%d]: unsubscribe names unknown step %q", i, step.Name)
			}
			continue
		}
		if step.Name != "" {
			if names[step.Name] {
				return fmt.Errorf("steps[%d]: duplicate name %q", i, step.Name)
			}
			names[step.Name] = true
		}
	}

	for i, a := range s.Expect {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	switch step.Do {
	case "":
		return fmt.Errorf("steps[%d]: do is required", i)
	case StepStart, StepOnline, StepOffline, StepOpen, StepClose, StepSignOut:
	case StepFrame:
		if message.Frame(step.Frame).Op() == "" {
			return fmt.Errorf("steps[%d]: frame with an op is required", i)
		}
	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("steps[%d]: invalid duration %q: %w", i, step.Duration, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: duration must be positive", i)
		}
	case StepSubscribe:
		if len(step.Query) == 0 {
			return fmt.Errorf("steps[%d]: query is required", i)
		}
	case StepUnsubscribe:
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: name of the subscription is required", i)
		}
	case StepTransact:
		if len(step.Ops) == 0 {
			return fmt.Errorf("steps[%d]: ops are required", i)
		}
	case StepSignIn:
		if step.User == nil || step.User.ID == "" {
			return fmt.Errorf("steps[%d]: user with an id is required", i)
		}
	case StepJoinRoom, StepSetPresence, StepLeaveRoom:
		if step.RoomID == "" {
			return fmt.Errorf("steps[%d]: room_id is required", i)
		}
	case StepPublish:
		if step.RoomID == "" || step.Topic == "" {
			return fmt.Errorf("steps[%d]: room_id and topic are required", i)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown step %q", i, step.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("expect[%d]: type is required", index)
	case AssertTraceContains:
		if a.Message == "" {
			return fmt.Errorf("expect[%d]: message is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Message == "" {
			return fmt.Errorf("expect[%d]: message is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("expect[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Messages) == 0 {
			return fmt.Errorf("expect[%d]: messages list is required for trace_order", index)
		}
	case AssertSentOps:
		if a.Conn < 0 {
			return fmt.Errorf("expect[%d]: conn must be non-negative for sent_ops", index)
		}
	case AssertSnapshot:
		if len(a.Fields) == 0 {
			return fmt.Errorf("expect[%d]: fields are required for snapshot", index)
		}
	default:
		return fmt.Errorf("expect[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
