// Package clima turns weather telemetry from the broker into rows in the clima
// table. It owns the reading format, the table, and the service that wires the
// broker, the ingestion queue and the persistence worker together.
package clima

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
)

// ErrDecode is returned for payloads that are not a valid weather reading.
var ErrDecode = errors.New("couldn't decode weather reading")

// Reading is one decoded weather measurement.
type Reading struct {
	// ID is assigned by the database and never set from a payload.
	ID          *int64  `json:"id,omitempty"`
	Humidity    float64 `json:"humidity"`
	Temperature float64 `json:"temperature"`
}

// Field names accepted in a payload. Matching is exact: "Temp" or "HUMIDITY"
// are unknown fields like any other.
const (
	fieldHumidity    = "humidity"
	fieldHum         = "hum"
	fieldTemperature = "temperature"
	fieldTemp        = "temp"
)

// UnmarshalJSON decodes a payload with `humidity` or `hum` and `temperature` or
// `temp`. Names are case sensitive and unknown fields are ignored. A field that is
// missing, null, repeated, or given under both of its names is an error.
func (r *Reading) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object, got %v", tok)
	}

	values := make(map[string]*float64, 4)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", tok)
		}
		switch key {
		case fieldHumidity, fieldHum, fieldTemperature, fieldTemp:
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
			continue
		}
		if _, seen := values[key]; seen {
			return fmt.Errorf("duplicate field %q", key)
		}
		var v *float64
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if v == nil {
			return fmt.Errorf("field %q is null", key)
		}
		values[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	hum, err := oneOf(fieldHumidity, values[fieldHumidity], fieldHum, values[fieldHum])
	if err != nil {
		return err
	}
	temp, err := oneOf(fieldTemperature, values[fieldTemperature], fieldTemp, values[fieldTemp])
	if err != nil {
		return err
	}
	*r = Reading{Humidity: hum, Temperature: temp}
	return nil
}

func oneOf(name string, v *float64, alias string, av *float64) (float64, error) {
	switch {
	case v != nil && av != nil:
		return 0, fmt.Errorf("duplicate field %q (also given as %q)", name, alias)
	case v != nil:
		return *v, nil
	case av != nil:
		return *av, nil
	default:
		return 0, fmt.Errorf("missing field %q", name)
	}
}

// DecodeReading parses a raw message payload. Errors wrap ErrDecode.
func DecodeReading(payload []byte) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &r, nil
}

// ToReadingTransformer is the MessageTransformer that decodes a broker message
// into a Reading.
func ToReadingTransformer(_ context.Context, msg *messagepipeline.Message) (*Reading, bool, error) {
	r, err := DecodeReading(msg.Payload)
	if err != nil {
		return nil, false, err
	}
	return r, false, nil
}

func (r Reading) String() string {
	return fmt.Sprintf("Reading{temperature: %s, humidity: %s}", FormatDecimal(r.Temperature), FormatDecimal(r.Humidity))
}

// FormatDecimal renders v with two decimal places, rounding halves away from zero
// (55.125 becomes "55.13").
func FormatDecimal(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', 2, 64)
}
