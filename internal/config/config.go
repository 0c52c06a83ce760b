package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	APIBaseURL  string         `yaml:"api_base_url"`
	Transport   string         `yaml:"transport"`
	ZMQEndpoint string         `yaml:"zmq_endpoint"`
	Surface     SurfaceConfig  `yaml:"surface"`
	Overlay     OverlayConfig  `yaml:"overlay"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Protocol    ProtocolConfig `yaml:"protocol"`
	Decode      DecodeConfig   `yaml:"decode"`
	Viewer      ViewerConfig   `yaml:"viewer"`
	RawLog      RawLogConfig   `yaml:"raw_log"`
	Logging     LoggingConfig  `yaml:"logging"`
	Debug       bool           `yaml:"debug"`
	DebugRate   float64        `yaml:"debug_rate"`
	LogEvery    int            `yaml:"log_every"`
}

type SurfaceConfig struct {
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Background string `yaml:"background"`
	Upscale    bool   `yaml:"upscale"`
	Scaler     string `yaml:"scaler"`
}

type OverlayConfig struct {
	VisibilityThreshold float64  `yaml:"visibility_threshold"`
	LineWidth           float64  `yaml:"line_width"`
	MarkerRadius        float64  `yaml:"marker_radius"`
	Points              int      `yaml:"points"`
	Topology            [][2]int `yaml:"topology"`
	HUD                 bool     `yaml:"hud"`
}

type MetricsConfig struct {
	Keys []string `yaml:"keys"`
}

type ProtocolConfig struct {
	FrameEncoding    string `yaml:"frame_encoding"`
	Malformed        string `yaml:"malformed"`
	RejectOutOfOrder bool   `yaml:"reject_out_of_order"`
}

type DecodeConfig struct {
	Workers int `yaml:"workers"`
	// MaxPixels rejects frames whose width*height exceeds it.
	MaxPixels int64 `yaml:"max_pixels"`
}

type ViewerConfig struct {
	Port        int           `yaml:"port"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	StatusEvery time.Duration `yaml:"status_every"`
}

type RawLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	TransportWebSocket = "websocket"
	TransportZMQ       = "zmq"

	MalformedFail = "fail"
	MalformedSkip = "skip"
)

func Default() AppConfig {
	return AppConfig{
		APIBaseURL:  "http://localhost:8000",
		Transport:   TransportWebSocket,
		ZMQEndpoint: "tcp://127.0.0.1:31001",
		Surface: SurfaceConfig{
			Width:      640,
			Height:     480,
			Background: "#000000",
			Upscale:    true,
			Scaler:     "bilinear",
		},
		Overlay: OverlayConfig{
			VisibilityThreshold: 0.5,
			LineWidth:           2,
			MarkerRadius:        4,
			Points:              33,
		},
		Metrics: MetricsConfig{
			Keys: []string{"left_elbow_angle"},
		},
		Protocol: ProtocolConfig{
			FrameEncoding:    "base64",
			Malformed:        MalformedFail,
			RejectOutOfOrder: true,
		},
		Decode: DecodeConfig{
			Workers:   4,
			MaxPixels: 4096 * 4096,
		},
		Viewer: ViewerConfig{
			Port:        8888,
			JPEGQuality: 80,
			StatusEvery: 30 * time.Second,
		},
		RawLog: RawLogConfig{
			Dir: "rawlog",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DebugRate: 30,
		LogEvery:  100,
	}
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Transport) {
	case TransportWebSocket, TransportZMQ:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Surface.Width < 1 || c.Surface.Height < 1 {
		errs = append(errs, fmt.Errorf("invalid surface size %dx%d", c.Surface.Width, c.Surface.Height))
	}
	if c.Overlay.VisibilityThreshold < 0 || c.Overlay.VisibilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("visibility_threshold %v outside [0,1]", c.Overlay.VisibilityThreshold))
	}
	if c.Overlay.Points < 1 {
		errs = append(errs, errors.New("overlay.points must be positive"))
	}
	switch c.Protocol.FrameEncoding {
	case "base64", "latin1":
	default:
		errs = append(errs, fmt.Errorf("unknown frame_encoding %q", c.Protocol.FrameEncoding))
	}
	switch c.Protocol.Malformed {
	case MalformedFail, MalformedSkip:
	default:
		errs = append(errs, fmt.Errorf("unknown malformed policy %q", c.Protocol.Malformed))
	}
	if c.Decode.MaxPixels < 1 {
		errs = append(errs, fmt.Errorf("decode.max_pixels %d must be positive", c.Decode.MaxPixels))
	}
	if c.Viewer.JPEGQuality < 1 || c.Viewer.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality %d outside [1,100]", c.Viewer.JPEGQuality))
	}
	return errors.Join(errs...)
}
