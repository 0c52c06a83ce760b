package types

// Landmark is one tracked body point. X and Y are normalised to the source
// image dimensions.
type Landmark struct {
	ID         int     `json:"id" cbor:"id"`
	X          float64 `json:"x" cbor:"x"`
	Y          float64 `json:"y" cbor:"y"`
	Visibility float64 `json:"visibility" cbor:"visibility"`
}

// StreamMessage is one inbound message of an analysis session. Either Error
// is set, or the frame fields are.
type StreamMessage struct {
	FrameNum  int                `json:"frame_num"`
	FrameData []byte             `json:"-"`
	Landmarks []Landmark         `json:"landmarks,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// IsError reports whether the message carries a server-reported error.
func (m StreamMessage) IsError() bool {
	return m.Error != ""
}
