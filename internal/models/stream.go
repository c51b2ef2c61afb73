package models

import "time"

// StreamKind selects the relay strategy for an upstream URL.
type StreamKind int

const (
	// StreamDirect is a single continuous AAC HTTP response.
	StreamDirect StreamKind = iota
	// StreamHLS is an M3U8 master or media playlist.
	StreamHLS
)

func (k StreamKind) String() string {
	switch k {
	case StreamDirect:
		return "direct"
	case StreamHLS:
		return "hls"
	}
	return "unknown"
}

// StreamDescriptor is derived once per playback attempt from the signed
// stream URL.
type StreamDescriptor struct {
	BaseURL string     `json:"base_url"`
	Kind    StreamKind `json:"kind"`
}

// Segment is one media playlist entry.
type Segment struct {
	SequenceID  int64         `json:"sequence_id"`
	Duration    time.Duration `json:"duration"`
	URL         string        `json:"url"`
	MetadataURL string        `json:"metadata_url,omitempty"`
}
