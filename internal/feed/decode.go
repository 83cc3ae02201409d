package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jpalmerr/regadera/internal/store"
)

// frame is the JSON document the ESP32 controller sends on every reading.
// Pointer fields distinguish a missing key from a zero value.
type frame struct {
	Humedad *float64 `json:"humedad"`
	Luz     *float64 `json:"luz"`
	Bomba   *bool    `json:"bomba"`
	Modo    *string  `json:"modo"`
	Suelo   *string  `json:"suelo"`
}

// DecodeFrame parses a producer frame into a [store.ReadingInput].
//
// Malformed JSON, a missing key or a value of the wrong type yields a
// [*DecodeError] carrying the raw payload.
func DecodeFrame(raw []byte) (store.ReadingInput, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			err = fmt.Errorf("field %q must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return store.ReadingInput{}, &DecodeError{Payload: raw, Err: err}
	}

	var missing []string
	if f.Humedad == nil {
		missing = append(missing, "humedad")
	}
	if f.Luz == nil {
		missing = append(missing, "luz")
	}
	if f.Bomba == nil {
		missing = append(missing, "bomba")
	}
	if f.Modo == nil {
		missing = append(missing, "modo")
	}
	if f.Suelo == nil {
		missing = append(missing, "suelo")
	}
	if len(missing) > 0 {
		return store.ReadingInput{}, &DecodeError{
			Payload: raw,
			Err:     fmt.Errorf("missing fields: %s", strings.Join(missing, ", ")),
		}
	}

	return store.ReadingInput{
		Humidity:   *f.Humedad,
		Light:      *f.Luz,
		PumpStatus: *f.Bomba,
		Mode:       *f.Modo,
		SoilType:   *f.Suelo,
	}, nil
}
