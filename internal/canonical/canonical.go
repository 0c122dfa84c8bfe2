// Package canonical produces deterministic JSON encodings of payload values.
// The bronze dedupe key and silver normalised payloads are both built on it,
// so the rules here are load-bearing: object keys sorted, array order
// preserved, numbers kept in their textual form where possible, and every
// time value rewritten as a UTC RFC3339 string before encoding.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/repoledger/repoledger/internal/faults"
)

// TimeLayout is the wire form for normalised datetimes.
const TimeLayout = time.RFC3339

// MarshalCanonical returns deterministic JSON bytes for a JSON-like value.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize deep-copies a JSON-like value, rewriting time.Time values to UTC
// RFC3339 strings and numeric primitives to their json.Number form. The result
// shares no mutable state with the input, which is what lets bronze ingest
// persist caller payloads safely.
func Normalize(v interface{}) (interface{}, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return vv, nil
	case time.Time:
		return vv.UTC().Format(TimeLayout), nil
	case *time.Time:
		if vv == nil {
			return nil, nil
		}
		return vv.UTC().Format(TimeLayout), nil
	case float64:
		return vv, nil
	case int:
		return json.Number(fmt.Sprintf("%d", vv)), nil
	case int32:
		return json.Number(fmt.Sprintf("%d", vv)), nil
	case int64:
		return json.Number(fmt.Sprintf("%d", vv)), nil
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, elem := range vv {
			norm, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, elem := range vv {
			norm, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	default:
		// Anything else must round-trip through encoding/json; values that
		// cannot (channels, funcs, cyclic structures) are rejected.
		b, err := json.Marshal(vv)
		if err != nil {
			return nil, faults.Wrap(faults.UnsupportedPayloadType, err, "payload value %T not representable", vv)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return nil, faults.Wrap(faults.UnsupportedPayloadType, err, "payload value %T not representable", vv)
		}
		return Normalize(tmp)
	}
}

// NormalizeMap is Normalize specialised to the payload maps bronze stores.
func NormalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	norm, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		return map[string]interface{}{}, nil
	}
	return norm.(map[string]interface{}), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case float64:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case time.Time:
		b, _ := json.Marshal(vv.UTC().Format(TimeLayout))
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		norm, err := Normalize(vv)
		if err != nil {
			return err
		}
		return encode(buf, norm)
	}
	return nil
}
