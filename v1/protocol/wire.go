package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

// Wire field names shared with the gateway.
const (
	FieldSequenceNumber       = "sequenceNumber"
	FieldSessionID            = "sessionId"
	FieldProtocolStep         = "protocolStep"
	FieldReturnSequenceNumber = "returnSequenceNumber"
)

func reserved(name string) bool {
	switch name {
	case FieldSequenceNumber, FieldSessionID, FieldProtocolStep, FieldReturnSequenceNumber:
		return true
	}
	return false
}

// Request is the body of one handshake step.
type Request struct {
	Step      Phase
	Sequence  uint64
	SessionID int64
	// Property and Value are only sent by PhaseExecute.
	Property string
	Value    any
}

// MarshalJSON encodes the request in the gateway's flat object layout.
func (r Request) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		FieldSequenceNumber: r.Sequence,
		FieldSessionID:      r.SessionID,
		FieldProtocolStep:   uint8(r.Step),
	}
	switch r.Step {
	case PhaseExecute:
		if r.Property == "" || reserved(r.Property) {
			return nil, fmt.Errorf("%w: %q", tserrors.ErrUnknownProperty, r.Property)
		}
		m[r.Property] = r.Value
	case PhaseAcquire, PhaseRelease:
	default:
		return nil, fmt.Errorf("protocol: invalid step %s", r.Step)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a request as sent by MarshalJSON. The property is
// the single non-protocol field of an execute step.
func (r *Request) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var step uint8
	if err := unmarshalField(m, FieldProtocolStep, &step); err != nil {
		return err
	}
	*r = Request{Step: Phase(step)}
	if !r.Step.Valid() {
		return fmt.Errorf("protocol: invalid step %d", step)
	}
	if err := unmarshalField(m, FieldSequenceNumber, &r.Sequence); err != nil {
		return err
	}
	if err := unmarshalField(m, FieldSessionID, &r.SessionID); err != nil {
		return err
	}
	if r.Step != PhaseExecute {
		return nil
	}
	for k, raw := range m {
		if reserved(k) {
			continue
		}
		if r.Property != "" {
			return fmt.Errorf("protocol: execute step sets more than one property")
		}
		r.Property = k
		if err := json.Unmarshal(raw, &r.Value); err != nil {
			return fmt.Errorf("protocol: decode %s: %w", k, err)
		}
	}
	if r.Property == "" {
		return fmt.Errorf("protocol: execute step without property")
	}
	return nil
}

func unmarshalField(m map[string]json.RawMessage, name string, out any) error {
	raw, ok := m[name]
	if !ok {
		return fmt.Errorf("protocol: missing %s", name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", name, err)
	}
	return nil
}

// Response is a decoded step acknowledgement.
type Response struct {
	// ReturnSequence is the sequence number the gateway acknowledged.
	// HasSequence is false when the gateway did not echo one.
	ReturnSequence uint64
	HasSequence    bool
	// Properties holds every other field, i.e. the property snapshot of
	// an execute step.
	Properties map[string]any
}

// DecodeResponse parses a step acknowledgement.
func DecodeResponse(raw json.RawMessage) (Response, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	resp := Response{Properties: make(map[string]any, len(m))}
	for k, v := range m {
		if k == FieldReturnSequenceNumber {
			if err := json.Unmarshal(v, &resp.ReturnSequence); err != nil {
				return Response{}, fmt.Errorf("protocol: decode %s: %w", k, err)
			}
			resp.HasSequence = true
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return Response{}, fmt.Errorf("protocol: decode %s: %w", k, err)
		}
		resp.Properties[k] = val
	}
	return resp, nil
}

// EncodeResponse builds an acknowledgement carrying seq and the given
// properties.
func EncodeResponse(seq uint64, props map[string]any) ([]byte, error) {
	m := make(map[string]any, len(props)+1)
	for k, v := range props {
		m[k] = v
	}
	m[FieldReturnSequenceNumber] = seq
	return json.Marshal(m)
}

// Property types with a coercion rule. Other types are sent unchanged.
const (
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// Coerce converts v to the declared property type: numbers parse to
// float64, integers to int64 (fractions truncate) and booleans follow
// truthiness.
func Coerce(typ string, v any) (any, error) {
	switch typ {
	case TypeNumber:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return f, nil
	case TypeInteger:
		if s, ok := v.(string); ok {
			if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return i, nil
			}
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f > math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("%w: %v overflows integer", tserrors.ErrInvalidValue, v)
		}
		return int64(f), nil
	case TypeBoolean:
		return truthy(v), nil
	default:
		return v, nil
	}
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, fmt.Errorf("%w: %q", tserrors.ErrInvalidValue, x)
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", tserrors.ErrInvalidValue, x)
		}
	default:
		return 0, fmt.Errorf("%w: %T is not a number", tserrors.ErrInvalidValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", tserrors.ErrInvalidValue, v)
	}
	return f, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	}
	if f, err := toFloat(v); err == nil {
		return f != 0
	}
	// objects and arrays
	return true
}
