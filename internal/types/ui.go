package types

// FrameUpdate is broadcast to viewers after a frame has been rendered.
type FrameUpdate struct {
	Type     string            `json:"type"`
	FrameNum int               `json:"frame_num"`
	Metrics  map[string]string `json:"metrics"`
}

// StatusUpdate is broadcast to viewers on session lifecycle changes.
type StatusUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
