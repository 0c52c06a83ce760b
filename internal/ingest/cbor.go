package ingest

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"pose-stream-go/internal/types"
)

// RFC 8746 typed array tag for uint8 data.
const tagUint8 = 64

type cborMessage struct {
	FrameNum  any              `cbor:"frame_num"`
	FrameData cbor.RawMessage  `cbor:"frame_data"`
	Landmarks []types.Landmark `cbor:"landmarks"`
	Metrics   map[string]any   `cbor:"metrics"`
	Error     *string          `cbor:"error"`
}

func parseCBOR(payload []byte, opts Options) (types.StreamMessage, error) {
	var wire cborMessage
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: CBOR decode: %v", ErrMalformed, err)
	}
	if wire.Error != nil && *wire.Error != "" {
		return types.StreamMessage{Error: *wire.Error}, nil
	}
	if wire.FrameNum == nil {
		return types.StreamMessage{}, fmt.Errorf("%w: missing frame_num", ErrMalformed)
	}
	frameNum, err := toInt(wire.FrameNum)
	if err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: invalid frame_num: %v", ErrMalformed, err)
	}
	if len(wire.FrameData) == 0 {
		return types.StreamMessage{}, fmt.Errorf("%w: missing frame_data", ErrMalformed)
	}
	data, err := frameBytes(wire.FrameData, opts)
	if err != nil {
		return types.StreamMessage{}, fmt.Errorf("%w: frame_data: %v", ErrMalformed, err)
	}
	return types.StreamMessage{
		FrameNum:  frameNum,
		FrameData: data,
		Landmarks: finiteLandmarks(wire.Landmarks),
		Metrics:   numericMetrics(wire.Metrics),
	}, nil
}

// frameBytes accepts a byte string, a uint8 typed array, or a text string in
// the configured frame encoding.
func frameBytes(raw cbor.RawMessage, opts Options) ([]byte, error) {
	var value any
	if err := cbor.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return DecodeFrameText(v, opts.FrameEncoding)
	case cbor.Tag:
		return extractBytes(v)
	default:
		return nil, fmt.Errorf("unsupported frame_data type %T", value)
	}
}

func extractBytes(tag cbor.Tag) ([]byte, error) {
	if tag.Number != tagUint8 {
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, errors.New("typed array content is not a byte string")
	}
	return data, nil
}

// MarshalCBOR encodes msg the way a binary-framing producer sends it.
func MarshalCBOR(msg types.StreamMessage) ([]byte, error) {
	if msg.IsError() {
		return cbor.Marshal(map[string]any{"error": msg.Error})
	}
	return cbor.Marshal(map[string]any{
		"frame_num":  msg.FrameNum,
		"frame_data": msg.FrameData,
		"landmarks":  msg.Landmarks,
		"metrics":    msg.Metrics,
	})
}
