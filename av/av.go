package av

import (
	"strings"
)

type MediaKind byte

const (
	Unknown MediaKind = 0
	Video   MediaKind = 1
	Audio   MediaKind = 2
)

var (
	mediaKinds = map[MediaKind]string{
		Unknown: "unknown",
		Video:   "video",
		Audio:   "audio",
	}
)

func (m MediaKind) String() string {
	return mediaKinds[m]
}

// ParseMediaKind maps the media field of an m= line to a kind.
func ParseMediaKind(s string) MediaKind {
	switch strings.ToLower(s) {
	case "video":
		return Video
	case "audio":
		return Audio
	default:
		return Unknown
	}
}

// MediaDescriptor is one payload type announced by the session description.
// It is built once during negotiation and only read afterwards.
type MediaDescriptor struct {
	PayloadType uint8
	Kind        MediaKind
	// upper-case encoding name from rtpmap, H264, L16 ...
	Codec     string
	ClockRate int
	Channels  int
	// resolved absolute control url
	Control string

	Fmtp          map[string]string
	ParameterSets [][]byte
	Config        []byte
}

func (m *MediaDescriptor) String() string {
	if m == nil {
		return "<nil>"
	}

	return m.Kind.String() + "/" + m.Codec
}

// Unit is one reassembled elementary unit, a NAL unit or an audio frame.
type Unit struct {
	Kind      MediaKind
	SSRC      uint32
	Timestamp uint32
	Sync      bool
	Data      []byte
}
