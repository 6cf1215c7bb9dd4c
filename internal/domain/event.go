package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the event discriminator sent as "type" on the wire.
type Kind string

const (
	KindNavigation Kind = "navigation"
	KindAction     Kind = "action"
	KindIdentify   Kind = "identify"
	KindState      Kind = "state"
	KindError      Kind = "error"
)

// Properties are caller-supplied event attributes. Values must be JSON
// encodable.
type Properties map[string]any

// Event is the closed set of analytics events. Only the variants in this
// file implement it.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
	Props() Properties
	// SpecialProperty returns the variant's identifying field, which is
	// stored next to the caller properties so every variant shares one
	// storage shape.
	SpecialProperty() (key string, value any)
	// ClientEventID is the sender's id for this event, or empty. A re-sent
	// event carries the same id.
	ClientEventID() string

	sealed()
}

type Navigation struct {
	Path       string     `json:"path" validate:"required,max=2048"`
	Properties Properties `json:"properties,omitempty"`
	Date       time.Time  `json:"date"`
	EventID    string     `json:"eventId,omitempty" validate:"omitempty,max=128"`
}

type Action struct {
	Name       string     `json:"name" validate:"required,max=256"`
	Properties Properties `json:"properties,omitempty"`
	Date       time.Time  `json:"date"`
	EventID    string     `json:"eventId,omitempty" validate:"omitempty,max=128"`
}

type Identify struct {
	ID         string     `json:"id" validate:"required,max=256"`
	Properties Properties `json:"properties,omitempty"`
	Date       time.Time  `json:"date"`
	EventID    string     `json:"eventId,omitempty" validate:"omitempty,max=128"`
}

// State reports the host application moving to the foreground (Active)
// or the background.
type State struct {
	Active  bool      `json:"active"`
	Date    time.Time `json:"date"`
	EventID string    `json:"eventId,omitempty" validate:"omitempty,max=128"`
}

type Error struct {
	Message    string     `json:"message" validate:"required,max=4096"`
	Properties Properties `json:"properties,omitempty"`
	Date       time.Time  `json:"date"`
	EventID    string     `json:"eventId,omitempty" validate:"omitempty,max=128"`
}

func (Navigation) Kind() Kind { return KindNavigation }
func (Action) Kind() Kind     { return KindAction }
func (Identify) Kind() Kind   { return KindIdentify }
func (State) Kind() Kind      { return KindState }
func (Error) Kind() Kind      { return KindError }

func (e Navigation) Timestamp() time.Time { return e.Date }
func (e Action) Timestamp() time.Time     { return e.Date }
func (e Identify) Timestamp() time.Time   { return e.Date }
func (e State) Timestamp() time.Time      { return e.Date }
func (e Error) Timestamp() time.Time      { return e.Date }

func (e Navigation) Props() Properties { return e.Properties }
func (e Action) Props() Properties     { return e.Properties }
func (e Identify) Props() Properties   { return e.Properties }
func (State) Props() Properties        { return nil }
func (e Error) Props() Properties      { return e.Properties }

func (e Navigation) SpecialProperty() (string, any) { return "path", e.Path }
func (e Action) SpecialProperty() (string, any)     { return "name", e.Name }
func (e Identify) SpecialProperty() (string, any)   { return "id", e.ID }
func (e State) SpecialProperty() (string, any)      { return "active", e.Active }
func (e Error) SpecialProperty() (string, any)      { return "message", e.Message }

func (e Navigation) ClientEventID() string { return e.EventID }
func (e Action) ClientEventID() string     { return e.EventID }
func (e Identify) ClientEventID() string   { return e.EventID }
func (e State) ClientEventID() string      { return e.EventID }
func (e Error) ClientEventID() string      { return e.EventID }

func (Navigation) sealed() {}
func (Action) sealed()     {}
func (Identify) sealed()   {}
func (State) sealed()      {}
func (Error) sealed()      {}

func (e Navigation) MarshalJSON() ([]byte, error) {
	type plain Navigation
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindNavigation, plain(e)})
}

func (e Action) MarshalJSON() ([]byte, error) {
	type plain Action
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindAction, plain(e)})
}

func (e Identify) MarshalJSON() ([]byte, error) {
	type plain Identify
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindIdentify, plain(e)})
}

func (e State) MarshalJSON() ([]byte, error) {
	type plain State
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindState, plain(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindError, plain(e)})
}

// UnmarshalEvent decodes a single wire event, dispatching on "type".
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case KindNavigation:
		var e Navigation
		err := json.Unmarshal(data, &e)
		return e, err
	case KindAction:
		var e Action
		err := json.Unmarshal(data, &e)
		return e, err
	case KindIdentify:
		var e Identify
		err := json.Unmarshal(data, &e)
		return e, err
	case KindState:
		var e State
		err := json.Unmarshal(data, &e)
		return e, err
	case KindError:
		var e Error
		err := json.Unmarshal(data, &e)
		return e, err
	case "":
		return nil, fmt.Errorf("missing event type")
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}

// Events is an ordered list of events with a type-dispatching JSON codec.
type Events []Event

func (es *Events) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Events, 0, len(raw))
	for i, r := range raw {
		ev, err := UnmarshalEvent(r)
		if err != nil {
			return &FieldError{Field: "events[" + strconv.Itoa(i) + "]", Msg: err.Error()}
		}
		out = append(out, ev)
	}
	*es = out
	return nil
}
