package pipeline

import "encoding/json"

// OutputConfig selects which outputs one encoder invocation produces and
// carries their encoding parameters. Zero-valued parameters take defaults.
type OutputConfig struct {
	Recording RecordingOutput `json:"recording"`
	HLS       HLSOutput       `json:"hls"`
}

// RecordingOutput configures the MP4 recording branch.
type RecordingOutput struct {
	Enabled bool `json:"enabled"`
	// FrameRate of the recording. When live output is also requested it
	// defaults to 15 so the recording branch stays cheaper than the live one;
	// alone it follows the capture rate.
	FrameRate int    `json:"frame_rate,omitempty"`
	CRF       int    `json:"crf,omitempty"`
	Preset    string `json:"preset,omitempty"`
	GOP       int    `json:"gop,omitempty"`
}

// HLSOutput configures the live segmented branch.
type HLSOutput struct {
	Enabled        bool   `json:"enabled"`
	SegmentSeconds int    `json:"segment_seconds,omitempty"`
	ListSize       int    `json:"list_size,omitempty"`
	FrameRate      int    `json:"frame_rate,omitempty"`
	Bitrate        string `json:"bitrate,omitempty"`
	MaxRate        string `json:"max_rate,omitempty"`
	BufSize        string `json:"buf_size,omitempty"`
	Preset         string `json:"preset,omitempty"`
}

// Capture describes how the capture device is opened.
type Capture struct {
	Format          string // v4l2 input format, e.g. "mjpeg" or "yuyv422"
	Width           int
	Height          int
	FrameRate       int
	ThreadQueueSize int
}

// DefaultCapture opens the device as 640x480 MJPEG at 30fps.
var DefaultCapture = Capture{
	Format:          "mjpeg",
	Width:           640,
	Height:          480,
	FrameRate:       30,
	ThreadQueueSize: 512,
}

const (
	defaultRecordingCRF       = 28
	defaultRecordingPreset    = "superfast"
	defaultRecordingGOP       = 60
	defaultRecordingSplitRate = 15

	defaultHLSSegmentSeconds = 2
	defaultHLSListSize       = 3
	defaultHLSFrameRate      = 15
	defaultHLSBitrate        = "800k"
	defaultHLSMaxRate        = "1000k"
	defaultHLSBufSize        = "400k"
	defaultHLSPreset         = "superfast"

	hlsFlags = "delete_segments+append_list+omit_endlist+round_durations+temp_file"
)

// Any reports whether at least one output is enabled.
func (c OutputConfig) Any() bool {
	return c.Recording.Enabled || c.HLS.Enabled
}

// DefaultOutputConfig enables both recording and live output.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		Recording: RecordingOutput{Enabled: true},
		HLS:       HLSOutput{Enabled: true},
	}
}

// UnmarshalJSON decodes over DefaultOutputConfig, so an output whose
// "enabled" key is absent stays enabled.
func (c *OutputConfig) UnmarshalJSON(b []byte) error {
	type plain OutputConfig
	p := plain(DefaultOutputConfig())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = OutputConfig(p)
	return nil
}

func (c OutputConfig) withDefaults(capture Capture) OutputConfig {
	r := &c.Recording
	if r.CRF <= 0 {
		r.CRF = defaultRecordingCRF
	}
	if r.Preset == "" {
		r.Preset = defaultRecordingPreset
	}
	if r.GOP <= 0 {
		r.GOP = defaultRecordingGOP
	}
	if r.FrameRate <= 0 {
		if c.HLS.Enabled || capture.FrameRate <= 0 {
			r.FrameRate = defaultRecordingSplitRate
		} else {
			r.FrameRate = capture.FrameRate
		}
	}

	h := &c.HLS
	if h.SegmentSeconds <= 0 {
		h.SegmentSeconds = defaultHLSSegmentSeconds
	}
	if h.ListSize <= 0 {
		h.ListSize = defaultHLSListSize
	}
	if h.FrameRate <= 0 {
		h.FrameRate = defaultHLSFrameRate
	}
	if h.Bitrate == "" {
		h.Bitrate = defaultHLSBitrate
	}
	if h.MaxRate == "" {
		h.MaxRate = defaultHLSMaxRate
	}
	if h.BufSize == "" {
		h.BufSize = defaultHLSBufSize
	}
	if h.Preset == "" {
		h.Preset = defaultHLSPreset
	}
	return c
}
