package metrics

import (
	"math"
	"strconv"
	"sync"
)

// Placeholder is shown for a tracked metric missing from the latest frame.
const Placeholder = "---"

// Display is the text shown for the tracked metrics of one frame.
type Display struct {
	FrameNum int
	Values   map[string]string
	Order    []string
}

// Sink keeps the displayed value of each tracked metric key. Every Display
// call fully replaces the previous values; there is no history.
type Sink struct {
	mu      sync.RWMutex
	keys    []string
	current Display
}

func NewSink(keys []string) *Sink {
	tracked := append([]string(nil), keys...)
	s := &Sink{keys: tracked}
	s.current = s.render(nil)
	return s
}

func (s *Sink) Keys() []string {
	return append([]string(nil), s.keys...)
}

func (s *Sink) Display(values map[string]float64) Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.current.FrameNum
	s.current = s.render(values)
	s.current.FrameNum = frame
	return s.copyCurrent()
}

func (s *Sink) SetFrame(frameNum int) {
	s.mu.Lock()
	s.current.FrameNum = frameNum
	s.mu.Unlock()
}

func (s *Sink) Current() Display {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyCurrent()
}

func (s *Sink) render(values map[string]float64) Display {
	out := Display{
		Values: make(map[string]string, len(s.keys)),
		Order:  s.keys,
	}
	for _, key := range s.keys {
		v, ok := values[key]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			out.Values[key] = Placeholder
			continue
		}
		out.Values[key] = FormatValue(v)
	}
	return out
}

func (s *Sink) copyCurrent() Display {
	values := make(map[string]string, len(s.current.Values))
	for k, v := range s.current.Values {
		values[k] = v
	}
	return Display{
		FrameNum: s.current.FrameNum,
		Values:   values,
		Order:    append([]string(nil), s.current.Order...),
	}
}

// FormatValue prints v with the fewest digits that round-trip.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
