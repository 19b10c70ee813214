// Package poi loads the static points of interest that the relay checks phone
// positions against.
//
// The set is read once at startup and never modified afterwards.
package poi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultPath mirrors the location the phone/operator deployment has always
// shipped its POI list at.
const DefaultPath = "data/pointsOfInterest.json"

var ErrInvalidFile = errors.New("poi: invalid file")

// POI is a named location with a trigger radius in meters.
//
// Raw holds the entry exactly as it appeared in the source file. Operators
// receive Raw verbatim in poi-in-range events, so presentation-only fields
// (modelId, info, or anything added later) pass through untouched.
type POI struct {
	Name      string          `json:"name"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Radius    float64         `json:"radius"`
	ModelID   string          `json:"modelId,omitempty"`
	Info      json.RawMessage `json:"info,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// fileSchema is the accepted shape of the POI file: a JSON array of objects.
// Extra properties are allowed and forwarded.
const fileSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "latitude", "longitude", "radius"],
    "properties": {
      "name":      {"type": "string", "minLength": 1},
      "latitude":  {"type": "number", "minimum": -90,  "maximum": 90},
      "longitude": {"type": "number", "minimum": -180, "maximum": 180},
      "radius":    {"type": "number", "minimum": 0},
      "modelId":   {"type": "string"}
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(fileSchema)

// Parse validates data against the POI file schema and decodes it.
func Parse(data []byte) ([]POI, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(errs, "; "))
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	out := make([]POI, 0, len(raws))
	for i, raw := range raws {
		var p POI
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidFile, i, err)
		}
		p.Raw = append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
		out = append(out, p)
	}
	return out, nil
}

// LoadFile reads and parses the POI file at path.
func LoadFile(path string) ([]POI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read poi file: %w", err)
	}
	pois, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pois, nil
}

// LoadOrEmpty loads the POI file, falling back to an empty set when it is
// missing or invalid. Signaling must stay available even when geofencing
// cannot run, so load failures are logged rather than returned.
func LoadOrEmpty(path string, logger *slog.Logger) []POI {
	if logger == nil {
		logger = slog.Default()
	}
	pois, err := LoadFile(path)
	if err != nil {
		logger.Error("failed to load points of interest; continuing without geofencing",
			"path", path,
			"err", err,
		)
		return nil
	}
	logger.Info("points of interest loaded", "path", path, "count", len(pois))
	return pois
}
