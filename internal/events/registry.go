package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
)

var (
	// ErrUnknownEvent means the role does not declare the event type
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload means the payload does not match the event schema
	ErrInvalidPayload = errors.New("invalid event payload")
)

const emptyObjectSchema = `{"type": "object", "additionalProperties": false}`

type definition struct {
	schemaText string
	decode     func([]byte) (Event, error)
}

// table is the closed set of events each role may emit
var table = map[Role]map[Type]definition{
	JobLauncher: {
		TypeEscrowCreated:  {emptyObjectSchema, decodeAs[EscrowCreated]},
		TypeEscrowCanceled: {emptyObjectSchema, decodeAs[EscrowCanceled]},
	},
	ExchangeOracle: {
		TypeTaskFinished: {emptyObjectSchema, decodeAs[TaskFinished]},
		TypeTaskCreationFailed: {`{
			"type": "object",
			"properties": {"reason": {"type": "string"}},
			"required": ["reason"],
			"additionalProperties": false
		}`, decodeAs[TaskCreationFailed]},
	},
	RecordingOracle: {
		TypeTaskCompleted: {emptyObjectSchema, decodeAs[TaskCompleted]},
		TypeTaskRejected: {`{
			"type": "object",
			"properties": {
				"rejected_job_ids": {
					"type": "array",
					"items": {"type": "integer"},
					"minItems": 1
				}
			},
			"required": ["rejected_job_ids"],
			"additionalProperties": false
		}`, decodeAs[TaskRejected]},
	},
	ReputationOracle: {},
}

func decodeAs[E Event](data []byte) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

type entry struct {
	schema *jsonschema.Schema
	decode func([]byte) (Event, error)
}

// Registry validates and decodes event payloads per (role, type)
type Registry struct {
	entries map[Role]map[Type]entry
}

// NewRegistry compiles the schema of every declared event
func NewRegistry() (*Registry, error) {
	r := &Registry{entries: make(map[Role]map[Type]entry, len(table))}
	for role, types := range table {
		r.entries[role] = make(map[Type]entry, len(types))
		for typ, def := range types {
			url := fmt.Sprintf("oracle://events/%s/%s.json", role, typ)
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			if err := c.AddResource(url, strings.NewReader(def.schemaText)); err != nil {
				return nil, fmt.Errorf("add schema %s: %w", url, err)
			}
			schema, err := c.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("compile schema %s: %w", url, err)
			}
			r.entries[role][typ] = entry{schema: schema, decode: def.decode}
		}
	}
	return r, nil
}

// Types returns the event types a role may emit, sorted
func (r *Registry) Types(role Role) []Type {
	out := make([]Type, 0, len(r.entries[role]))
	for t := range r.entries[role] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse validates data against the schema of (role, type) and decodes it
func (r *Registry) Parse(role Role, typ Type, data json.RawMessage) (Event, error) {
	types, ok := r.entries[role]
	if !ok {
		return nil, apperr.Validation("events.parse", fmt.Errorf("%w: unknown role %q", ErrUnknownEvent, role))
	}
	e, ok := types[typ]
	if !ok {
		return nil, apperr.Validation("events.parse", fmt.Errorf("%w: %s does not emit %q", ErrUnknownEvent, role, typ))
	}

	data = Normalize(data)
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, apperr.Validation("events.parse", fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ, err))
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, apperr.Validation("events.parse", fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ, err))
	}

	ev, err := e.decode(data)
	if err != nil {
		return nil, apperr.Validation("events.parse", fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ, err))
	}
	return ev, nil
}

// Validate is Parse without keeping the decoded event
func (r *Registry) Validate(role Role, typ Type, data json.RawMessage) error {
	_, err := r.Parse(role, typ, data)
	return err
}

// Encode marshals an event into its wire payload
func Encode(ev Event) (json.RawMessage, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return b, nil
}

// Normalize treats an absent or null payload as an empty object
func Normalize(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return trimmed
}
