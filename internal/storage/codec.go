package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
)

// JSONSchemaVersion is the version stamped on every JSON column envelope.
// Bump it when the shape of a stored structure changes and teach DecodeJSON
// how to upgrade older payloads.
const JSONSchemaVersion = 1

// jsonEnvelope wraps structured column values with a schema version.
type jsonEnvelope struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// EncodeJSON marshals v inside a versioned envelope.
func EncodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(jsonEnvelope{V: JSONSchemaVersion, Data: data})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeJSON unmarshals a column written by EncodeJSON into dst. Bare JSON
// without an envelope is accepted as version 0.
func DecodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}

	var env jsonEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.V > 0 && env.Data != nil {
		if env.V > JSONSchemaVersion {
			return fmt.Errorf("unsupported JSON schema version %d", env.V)
		}
		return json.Unmarshal(env.Data, dst)
	}

	return json.Unmarshal([]byte(raw), dst)
}

// DecodeOrEmpty decodes raw into a T and fails closed: malformed payloads are
// logged and decoded as the zero value instead of aborting the caller.
func DecodeOrEmpty[T any](column, raw string) T {
	var out T
	if err := DecodeJSON(raw, &out); err != nil {
		slog.Default().Warn("storage: malformed JSON column, treating as empty",
			"column", column, "error", err)
		var zero T
		return zero
	}
	return out
}

// EncodeEmbedding serialises a vector as little-endian float32 bits.
func EncodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding buffer length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
