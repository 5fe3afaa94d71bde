// Package schema validates events against the embedded CUE contract before
// they reach the log.
//
// Validation is two layers: the typed checks on event.Event (fast path,
// precise field errors) and the CUE schema (the same contract other
// tooling validates log lines against). An event that fails either layer is
// rejected before any bytes are written.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/gantry-dev/gantry/internal/event"
)

//go:embed event.cue
var eventCUE []byte

// Validator checks events against the #Event contract.
type Validator struct {
	schema cue.Value
	ctx    *cue.Context
}

var (
	sharedOnce sync.Once
	shared     *Validator
	sharedErr  error
)

// Default returns the process-wide validator with the embedded schema
// compiled once.
func Default() (*Validator, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = New()
	})
	return shared, sharedErr
}

// New compiles the embedded schema into a fresh validator.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(eventCUE, cue.Filename("event.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Event"))
	if !def.Exists() {
		return nil, fmt.Errorf("lookup #Event: definition not found")
	}
	return &Validator{schema: def, ctx: ctx}, nil
}

// Validate checks one event. Returns a *event.SchemaError describing the
// first failure, or nil.
func (v *Validator) Validate(ev event.Event) error {
	// Typed checks first: cheaper and with precise field attribution.
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return &event.SchemaError{EventID: ev.ID, Field: "event", Message: err.Error()}
	}
	return v.ValidateBytes(ev.ID, data)
}

// ValidateBytes checks a raw JSON log line against the CUE contract. Used
// by doctor-style tooling over logs written by other processes.
func (v *Validator) ValidateBytes(eventID string, data []byte) error {
	expr, err := cuejson.Extract("event.json", data)
	if err != nil {
		return &event.SchemaError{EventID: eventID, Field: "event", Message: err.Error()}
	}
	val := v.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return &event.SchemaError{EventID: eventID, Field: "event", Message: err.Error()}
	}
	unified := v.schema.Unify(val)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return &event.SchemaError{
			EventID: eventID,
			Field:   firstErrorPath(err),
			Message: cueerrors.Details(err, nil),
		}
	}
	return nil
}

// firstErrorPath extracts a dotted field path from a CUE error for the
// SchemaError's Field, falling back to "event".
func firstErrorPath(err error) string {
	for _, e := range cueerrors.Errors(err) {
		if p := e.Path(); len(p) > 0 {
			out := p[0]
			for _, seg := range p[1:] {
				out += "." + seg
			}
			return out
		}
	}
	return "event"
}
