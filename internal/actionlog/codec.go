package actionlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

// SchemaVersion is the highest envelope version this package reads and the
// one it writes.
const SchemaVersion = 1

// ErrUnsupportedVersion marks an envelope written by a newer recorder.
var ErrUnsupportedVersion = errors.New("actionlog: unsupported schema version")

// ParseError reports which entry of a document could not be decoded. Step is
// 1-based; zero means the document itself is malformed.
type ParseError struct {
	Step int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Step == 0 {
		return "actionlog: " + e.Err.Error()
	}
	return fmt.Sprintf("actionlog: step %d: %v", e.Step, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type record struct {
	Action  Kind             `json:"action"`
	Locator *locator.Locator `json:"locator,omitempty"`
	X       *float64         `json:"x,omitempty"`
	Y       *float64         `json:"y,omitempty"`
	URL     *string          `json:"url,omitempty"`
	Value   *string          `json:"value,omitempty"`
	Key     *string          `json:"key,omitempty"`
}

// legacyRecord is the {type, selector, details} shape of the earliest
// recorder, where selector is a bare CSS selector string.
type legacyRecord struct {
	Type     string `json:"type"`
	Selector string `json:"selector"`
	Details  struct {
		Value string `json:"value"`
		Key   string `json:"key"`
	} `json:"details"`
}

type envelope struct {
	Version int               `json:"version"`
	Actions []json.RawMessage `json:"actions"`
}

type envelopeOut struct {
	Version int      `json:"version"`
	Actions []Action `json:"actions"`
}

// MarshalJSON writes only the fields of the action's variant.
func (a Action) MarshalJSON() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	r := record{Action: a.Kind}
	switch a.Kind {
	case KindClick:
		r.Locator = &a.Locator
	case KindScroll:
		r.X, r.Y = &a.X, &a.Y
	case KindNavigate:
		r.URL = &a.URL
	case KindChange:
		r.Locator, r.Value = &a.Locator, &a.Value
	case KindKeyDown:
		r.Locator, r.Key = &a.Locator, &a.Key
	}
	return json.Marshal(r)
}

// UnmarshalJSON reads one canonical record.
func (a *Action) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	out, err := r.action()
	if err != nil {
		return err
	}
	*a = out
	return nil
}

func (r record) action() (Action, error) {
	a := Action{Kind: r.Action}
	switch r.Action {
	case KindClick, KindChange, KindKeyDown:
		if r.Locator == nil {
			return Action{}, fmt.Errorf("%s action requires a locator", r.Action)
		}
		a.Locator = *r.Locator
		if r.Value != nil {
			a.Value = *r.Value
		}
		if r.Key != nil {
			a.Key = *r.Key
		}
		if r.Action == KindChange && r.Value == nil {
			return Action{}, fmt.Errorf("change action requires a value")
		}
	case KindScroll:
		if r.X == nil || r.Y == nil {
			return Action{}, fmt.Errorf("scroll action requires x and y")
		}
		a.X, a.Y = *r.X, *r.Y
	case KindNavigate:
		if r.URL != nil {
			a.URL = *r.URL
		}
	case "":
		return Action{}, fmt.Errorf("missing action discriminator")
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (r legacyRecord) action() (Action, error) {
	loc := locator.ParseCSS(r.Selector)
	switch Kind(r.Type) {
	case KindClick:
		return Click(loc), nil
	case KindChange:
		return Change(loc, r.Details.Value), nil
	case KindKeyDown:
		a := KeyDown(loc, r.Details.Key)
		return a, a.Validate()
	default:
		return Action{}, fmt.Errorf("unknown legacy event type %q", r.Type)
	}
}

// Marshal encodes actions as the bare, indented JSON array.
func Marshal(actions []Action) ([]byte, error) {
	if actions == nil {
		actions = []Action{}
	}
	return json.MarshalIndent(actions, "", "  ")
}

// MarshalEnvelope encodes actions inside a versioned envelope.
func MarshalEnvelope(actions []Action) ([]byte, error) {
	if actions == nil {
		actions = []Action{}
	}
	return json.MarshalIndent(envelopeOut{Version: SchemaVersion, Actions: actions}, "", "  ")
}

// Unmarshal decodes a log document. It accepts the bare array, the versioned
// envelope, and arrays of legacy {type, selector, details} records. Any
// malformed entry fails the whole document.
func Unmarshal(data []byte) ([]Action, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}

	var raw []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, &ParseError{Err: err}
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, &ParseError{Err: err}
		}
		if env.Version > SchemaVersion {
			return nil, &ParseError{Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)}
		}
		if env.Actions == nil {
			return nil, &ParseError{Err: errors.New("envelope has no actions array")}
		}
		raw = env.Actions
	default:
		return nil, &ParseError{Err: errors.New("document is neither an array nor an envelope")}
	}

	actions := make([]Action, 0, len(raw))
	for i, msg := range raw {
		a, err := decodeEntry(msg)
		if err != nil {
			return nil, &ParseError{Step: i + 1, Err: err}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func decodeEntry(msg json.RawMessage) (Action, error) {
	var probe struct {
		Action   string  `json:"action"`
		Type     string  `json:"type"`
		Selector *string `json:"selector"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return Action{}, err
	}
	if probe.Action == "" && probe.Type != "" && probe.Selector != nil {
		var lr legacyRecord
		if err := json.Unmarshal(msg, &lr); err != nil {
			return Action{}, err
		}
		return lr.action()
	}
	var a Action
	if err := json.Unmarshal(msg, &a); err != nil {
		return Action{}, err
	}
	return a, nil
}
