package output

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue converts generic CBOR decoder output into values
// encoding/json accepts: maps with non-string keys get stringified keys.
func NormalizeJSONValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case cbor.Tag:
		return map[string]any{"tag": val.Number, "content": NormalizeJSONValue(val.Content)}
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(val))
	default:
		return val
	}
}
