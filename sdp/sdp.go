package sdp

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/galaxy-iot/extender/av"
	"github.com/galaxy-iot/extender/codec"
	psdp "github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoMedia = errors.New("sdp: no usable media section")
)

// attribute and section are the parser-neutral form both the strict and the
// lenient parser produce.
type attribute struct {
	key   string
	value string
}

type section struct {
	media      string
	formats    []string
	attributes []attribute
}

func (s *section) attribute(key string) (string, bool) {
	for _, a := range s.attributes {
		if a.key == key {
			return a.value, true
		}
	}
	return "", false
}

type description struct {
	control  string
	sections []*section
}

// Table maps payload types to media descriptors. It is immutable once
// Negotiate returns and safe for concurrent readers.
type Table struct {
	Medias []*av.MediaDescriptor

	byPayloadType map[uint8]*av.MediaDescriptor
}

// Lookup returns the descriptor of a payload type, nil when the type was not
// announced.
func (t *Table) Lookup(pt uint8) *av.MediaDescriptor {
	if t == nil {
		return nil
	}
	return t.byPayloadType[pt]
}

// Select picks the first video and the first audio media whose codec is on
// the whitelist. Media the caller does not want are skipped.
func (t *Table) Select(wantVideo, wantAudio bool) (video, audio *av.MediaDescriptor) {
	for _, m := range t.Medias {
		if !codec.Supported(m) {
			continue
		}

		switch m.Kind {
		case av.Video:
			if wantVideo && video == nil {
				video = m
			}
		case av.Audio:
			if wantAudio && audio == nil {
				audio = m
			}
		}
	}

	return
}

// Negotiate parses a session description into a payload-type table. base is
// the URL control attributes are resolved against (Content-Base or the
// request URL).
func Negotiate(body, base string) (*Table, error) {
	desc, err := parseStrict(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiate",
			"error":    err.Error(),
		}).Debug("Strict session description parse failed, using lenient parser")

		if desc, err = parseLenient(body); err != nil {
			return nil, err
		}
	}

	if desc.control != "" && desc.control != "*" && isAbsolute(desc.control) {
		base = desc.control
	}

	t := &Table{
		byPayloadType: map[uint8]*av.MediaDescriptor{},
	}

	for _, s := range desc.sections {
		kind := av.ParseMediaKind(s.media)
		if kind == av.Unknown {
			continue
		}

		control, _ := s.attribute("control")
		control = ResolveControl(base, control)

		for _, format := range s.formats {
			pt, err := strconv.Atoi(format)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}

			m := &av.MediaDescriptor{
				PayloadType: uint8(pt),
				Kind:        kind,
				Control:     control,
				Fmtp:        map[string]string{},
			}
			applyStatic(m)

			for _, a := range s.attributes {
				switch a.key {
				case "rtpmap":
					if ptOf(a.value) == format {
						applyRtpmap(m, a.value)
					}
				case "fmtp":
					if ptOf(a.value) == format {
						applyFmtp(m, a.value)
					}
				}
			}

			if m.Codec == "" {
				continue
			}

			if _, ok := t.byPayloadType[m.PayloadType]; ok {
				logrus.WithFields(logrus.Fields{
					"function":     "Negotiate",
					"payload_type": pt,
				}).Warn("Duplicate payload type, keeping the first media")
				continue
			}

			t.byPayloadType[m.PayloadType] = m
			t.Medias = append(t.Medias, m)
		}
	}

	if len(t.Medias) == 0 {
		return nil, ErrNoMedia
	}

	return t, nil
}

func parseStrict(body string) (*description, error) {
	sd := &psdp.SessionDescription{}
	if err := sd.UnmarshalString(body); err != nil {
		return nil, err
	}

	desc := &description{}
	desc.control, _ = sd.Attribute("control")

	for _, md := range sd.MediaDescriptions {
		s := &section{
			media:   md.MediaName.Media,
			formats: md.MediaName.Formats,
		}

		for _, a := range md.Attributes {
			s.attributes = append(s.attributes, attribute{key: a.Key, value: a.Value})
		}

		desc.sections = append(desc.sections, s)
	}

	return desc, nil
}

// ptOf returns the payload type an rtpmap or fmtp value refers to.
func ptOf(value string) string {
	fields := strings.SplitN(strings.TrimSpace(value), " ", 2)
	return fields[0]
}

func applyStatic(m *av.MediaDescriptor) {
	// rfc3551 static payload types used without rtpmap
	switch m.PayloadType {
	case 0:
		m.Codec, m.ClockRate, m.Channels = "PCMU", 8000, 1
	case 8:
		m.Codec, m.ClockRate, m.Channels = "PCMA", 8000, 1
	case 10:
		m.Codec, m.ClockRate, m.Channels = "L16", 44100, 2
	case 11:
		m.Codec, m.ClockRate, m.Channels = "L16", 44100, 1
	case 14:
		m.Codec, m.ClockRate = "MPA", 90000
	}
}

// rtpmap:96 H264/90000
// rtpmap:97 L16/48000/2
func applyRtpmap(m *av.MediaDescriptor, value string) {
	fields := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(fields) < 2 {
		return
	}

	parts := strings.Split(strings.TrimSpace(fields[1]), "/")
	m.Codec = strings.ToUpper(parts[0])

	if len(parts) > 1 {
		if i, err := strconv.Atoi(parts[1]); err == nil {
			m.ClockRate = i
		}
	}

	m.Channels = 0
	if len(parts) > 2 {
		if i, err := strconv.Atoi(parts[2]); err == nil {
			m.Channels = i
		}
	}

	if m.Kind == av.Audio && m.Channels == 0 {
		m.Channels = 1
	}
}

// fmtp:96 profile-level-id=4D4015;sprop-parameter-sets=Z01AFZZWCwSbCEiAAAH0AAAw1DBgAHP2AOg1cABQ,aO88gA==;packetization-mode=1
func applyFmtp(m *av.MediaDescriptor, value string) {
	fields := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(fields) < 2 {
		return
	}

	for _, field := range strings.Split(fields[1], ";") {
		keyval := strings.SplitN(field, "=", 2)
		if len(keyval) != 2 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(keyval[0]))
		val := strings.TrimSpace(keyval[1])
		m.Fmtp[key] = val

		switch key {
		case "config":
			cfg, err := hex.DecodeString(val)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "applyFmtp",
					"error":    err.Error(),
				}).Warn("Invalid config parameter")
				continue
			}
			m.Config = cfg
		case "sprop-parameter-sets":
			for _, set := range strings.Split(val, ",") {
				if set == "" {
					continue
				}

				ps, err := base64.StdEncoding.DecodeString(set)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "applyFmtp",
						"error":    err.Error(),
					}).Warn("Invalid parameter set")
					continue
				}
				m.ParameterSets = append(m.ParameterSets, ps)
			}
		}
	}
}

func isAbsolute(control string) bool {
	lower := strings.ToLower(control)
	return strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtspu://") || strings.HasPrefix(lower, "rtsps://")
}

// ResolveControl turns a control attribute into the URL a SETUP is sent to.
func ResolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case isAbsolute(control):
		return control
	case strings.HasSuffix(base, "/"):
		return base + control
	default:
		return fmt.Sprintf("%s/%s", base, control)
	}
}
