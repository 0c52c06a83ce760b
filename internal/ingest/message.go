package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"pose-stream-go/internal/types"
)

// Kind is the framing of an inbound payload.
type Kind byte

const (
	Text   Kind = 1
	Binary Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// FrameEncoding is the text-safe encoding of frame_data in JSON messages.
type FrameEncoding string

const (
	// EncodingBase64 is standard padded base64 (RFC 4648 section 4).
	EncodingBase64 FrameEncoding = "base64"
	// EncodingLatin1 maps each code point 0-255 of the string to one byte.
	EncodingLatin1 FrameEncoding = "latin1"
)

var (
	ErrMalformed    = errors.New("malformed stream message")
	ErrEmptyPayload = errors.New("empty message payload")
)

type Options struct {
	FrameEncoding FrameEncoding
}

// Parse decodes one inbound payload: text frames are JSON, binary frames are
// CBOR. Any returned error wraps ErrMalformed or ErrEmptyPayload.
func Parse(kind Kind, payload []byte, opts Options) (types.StreamMessage, error) {
	if len(payload) == 0 {
		return types.StreamMessage{}, ErrEmptyPayload
	}
	switch kind {
	case Text:
		return parseJSON(payload, opts)
	case Binary:
		return parseCBOR(payload, opts)
	default:
		return types.StreamMessage{}, fmt.Errorf("%w: unsupported payload kind %s", ErrMalformed, kind)
	}
}

type jsonMessage struct {
	FrameNum  *int             `json:"frame_num"`
	FrameData *string          `json:"frame_data"`
	Landmarks []types.Landmark `json:"landmarks"`
	Metrics   map[string]any   `json:"metrics"`
	Error     *string          `json:"error"`
}

func parseJSON(payload []byte, opts Options) (types.StreamMessage, error) {
	var wire jsonMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Error != nil && *wire.Error != "" {
		return types.StreamMessage{Error: *wire.Error}, nil
	}
	if wire.FrameNum == nil {
		return types.StreamMessage{}, fmt.Errorf("%w: missing frame_num", ErrMalformed)
	}
	if wire.FrameData == nil {
		return types.StreamMessage{}, fmt.Errorf("%w: missing frame_data", ErrMalformed)
	}
	data, err := DecodeFrameText(*wire.FrameData, opts.FrameEncoding)
	if err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: frame_data: %v", ErrMalformed, err)
	}
	return types.StreamMessage{
		FrameNum:  *wire.FrameNum,
		FrameData: data,
		Landmarks: finiteLandmarks(wire.Landmarks),
		Metrics:   numericMetrics(wire.Metrics),
	}, nil
}

// DecodeFrameText turns the text form of frame_data back into bytes.
func DecodeFrameText(s string, enc FrameEncoding) ([]byte, error) {
	switch enc {
	case "", EncodingBase64:
		return base64.StdEncoding.DecodeString(s)
	case EncodingLatin1:
		out := make([]byte, 0, len(s))
		for i, r := range s {
			if r > 0xFF {
				return nil, fmt.Errorf("code point U+%04X at offset %d is outside latin-1", r, i)
			}
			out = append(out, byte(r))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame encoding %q", enc)
	}
}

// EncodeFrameText is the producer side of DecodeFrameText.
func EncodeFrameText(data []byte, enc FrameEncoding) (string, error) {
	switch enc {
	case "", EncodingBase64:
		return base64.StdEncoding.EncodeToString(data), nil
	case EncodingLatin1:
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		return string(runes), nil
	default:
		return "", fmt.Errorf("unknown frame encoding %q", enc)
	}
}

// numericMetrics keeps only finite numeric values. Null or non-numeric
// entries are dropped so the display falls back to its placeholder.
func numericMetrics(raw map[string]any) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for key, value := range raw {
		v, err := toFloat(value)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[key] = v
	}
	return out
}

// finiteLandmarks drops landmarks carrying NaN or infinite values. CBOR can
// encode those; JSON cannot.
func finiteLandmarks(in []types.Landmark) []types.Landmark {
	out := in[:0:0]
	for _, lm := range in {
		if !finite(lm.X) || !finite(lm.Y) || !finite(lm.Visibility) {
			continue
		}
		out = append(out, lm)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

// MarshalJSON encodes msg as a text-framing producer sends it.
func MarshalJSON(msg types.StreamMessage, enc FrameEncoding) ([]byte, error) {
	if msg.IsError() {
		return json.Marshal(map[string]any{"error": msg.Error})
	}
	text, err := EncodeFrameText(msg.FrameData, enc)
	if err != nil {
		return nil, err
	}
	landmarks := msg.Landmarks
	if landmarks == nil {
		landmarks = []types.Landmark{}
	}
	metrics := msg.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return json.Marshal(map[string]any{
		"frame_num":  msg.FrameNum,
		"frame_data": text,
		"landmarks":  landmarks,
		"metrics":    metrics,
	})
}
