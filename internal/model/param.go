package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ParamKind is the discriminator of a ParamValue.
type ParamKind string

const (
	ParamInteger    ParamKind = "integer"
	ParamFloat      ParamKind = "float"
	ParamString     ParamKind = "string"
	ParamBoolean    ParamKind = "boolean"
	ParamDurationMs ParamKind = "duration_ms"
)

// ParamValue is a typed configuration value. Implemented by IntegerValue,
// FloatValue, StringValue, BooleanValue and DurationMsValue.
type ParamValue interface {
	Kind() ParamKind
	// String is the canonical display form.
	String() string

	isParamValue()
}

type (
	IntegerValue    int64
	FloatValue      float64
	StringValue     string
	BooleanValue    bool
	DurationMsValue int64
)

func (IntegerValue) isParamValue()    {}
func (FloatValue) isParamValue()      {}
func (StringValue) isParamValue()     {}
func (BooleanValue) isParamValue()    {}
func (DurationMsValue) isParamValue() {}

func (IntegerValue) Kind() ParamKind    { return ParamInteger }
func (FloatValue) Kind() ParamKind      { return ParamFloat }
func (StringValue) Kind() ParamKind     { return ParamString }
func (BooleanValue) Kind() ParamKind    { return ParamBoolean }
func (DurationMsValue) Kind() ParamKind { return ParamDurationMs }

func (v IntegerValue) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v FloatValue) String() string      { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v StringValue) String() string     { return string(v) }
func (v BooleanValue) String() string    { return strconv.FormatBool(bool(v)) }
func (v DurationMsValue) String() string { return strconv.FormatInt(int64(v), 10) + "ms" }

// Numeric returns the value as a float64 for bounds checks. ok is false for
// strings and booleans.
func Numeric(v ParamValue) (f float64, ok bool) {
	switch x := v.(type) {
	case IntegerValue:
		return float64(x), true
	case FloatValue:
		return float64(x), true
	case DurationMsValue:
		return float64(x), true
	default:
		return 0, false
	}
}

type paramEnvelope struct {
	Type  ParamKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func marshalParam(kind ParamKind, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(paramEnvelope{Type: kind, Value: raw})
}

func (v IntegerValue) MarshalJSON() ([]byte, error)    { return marshalParam(ParamInteger, int64(v)) }
func (v FloatValue) MarshalJSON() ([]byte, error)      { return marshalParam(ParamFloat, float64(v)) }
func (v StringValue) MarshalJSON() ([]byte, error)     { return marshalParam(ParamString, string(v)) }
func (v BooleanValue) MarshalJSON() ([]byte, error)    { return marshalParam(ParamBoolean, bool(v)) }
func (v DurationMsValue) MarshalJSON() ([]byte, error) { return marshalParam(ParamDurationMs, int64(v)) }

// UnmarshalParamValue decodes a {"type": ..., "value": ...} envelope.
func UnmarshalParamValue(data []byte) (ParamValue, error) {
	var env paramEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model: decode param value: %w", err)
	}
	switch env.Type {
	case ParamInteger:
		var n int64
		err := json.Unmarshal(env.Value, &n)
		return IntegerValue(n), err
	case ParamFloat:
		var f float64
		err := json.Unmarshal(env.Value, &f)
		return FloatValue(f), err
	case ParamString:
		var s string
		err := json.Unmarshal(env.Value, &s)
		return StringValue(s), err
	case ParamBoolean:
		var b bool
		err := json.Unmarshal(env.Value, &b)
		return BooleanValue(b), err
	case ParamDurationMs:
		var n int64
		err := json.Unmarshal(env.Value, &n)
		return DurationMsValue(n), err
	default:
		return nil, fmt.Errorf("model: unknown param type %q", env.Type)
	}
}
