package codec

import (
	"strconv"

	"github.com/galaxy-iot/extender/av"
)

func init() {
	RegisterFormat(&Format{
		Name:      "H264",
		Kind:      av.Video,
		StartCode: true,
		InputArgs: func(*av.MediaDescriptor) []string {
			return []string{"-f", "h264"}
		},
	})

	RegisterFormat(&Format{
		Name:      "L16",
		Kind:      av.Audio,
		InputArgs: rawAudioArgs("s16be"),
	})

	RegisterFormat(&Format{
		Name:      "PCMU",
		Kind:      av.Audio,
		InputArgs: rawAudioArgs("mulaw"),
	})

	RegisterFormat(&Format{
		Name:      "PCMA",
		Kind:      av.Audio,
		InputArgs: rawAudioArgs("alaw"),
	})

	RegisterFormat(&Format{
		Name: "AC3",
		Kind: av.Audio,
		InputArgs: func(*av.MediaDescriptor) []string {
			return []string{"-f", "ac3"}
		},
	})

	RegisterFormat(&Format{
		Name: "MPA",
		Kind: av.Audio,
		InputArgs: func(*av.MediaDescriptor) []string {
			return []string{"-f", "mp3"}
		},
	})
}

// raw sample formats carry no header, so rate and channel count come from rtpmap
func rawAudioArgs(sampleFormat string) func(m *av.MediaDescriptor) []string {
	return func(m *av.MediaDescriptor) []string {
		rate := 8000
		channels := 1

		if m != nil {
			if m.ClockRate > 0 {
				rate = m.ClockRate
			}
			if m.Channels > 0 {
				channels = m.Channels
			}
		}

		return []string{
			"-f", sampleFormat,
			"-ar", strconv.Itoa(rate),
			"-ac", strconv.Itoa(channels),
		}
	}
}
