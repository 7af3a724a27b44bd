package rtsp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidTransport       = errors.New("rtsp: invalid transport")
	ErrInvalidInterleavedPort = errors.New("rtsp: invalid interleaved port")
	ErrInvalidServerPort      = errors.New("rtsp: invalid server port")
	ErrInvalidClientPort      = errors.New("rtsp: invalid client port")
)

type Transport byte

const (
	// TransportInterleaved carries media on the control connection.
	TransportInterleaved Transport = 1
	// TransportUDP carries media on an even/odd datagram port pair.
	TransportUDP Transport = 2
)

func (t Transport) String() string {
	switch t {
	case TransportInterleaved:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseTransport accepts the names used on the command line.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "tcp", "interleaved":
		return TransportInterleaved, nil
	case "udp":
		return TransportUDP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

type portPair [2]int

func (p portPair) valid() bool {
	return p[0] > 0 || p[1] > 0
}

// transportHeader is the parsed or to-be-sent value of a Transport header.
//
//	RTP/AVP;unicast;client_port=4588-4589
//	RTP/AVP;unicast;client_port=4588-4589;server_port=20000-20001;ssrc=1F2E3D4C
//	RTP/AVP/TCP;unicast;interleaved=0-1
type transportHeader struct {
	Transport   Transport
	Interleaved portPair
	ClientPort  portPair
	ServerPort  portPair
	SSRC        string
	Mode        string

	hasInterleaved bool
}

func (t *transportHeader) String() string {
	buf := bytes.Buffer{}

	switch t.Transport {
	case TransportInterleaved:
		buf.WriteString("RTP/AVP/TCP;unicast")
		if t.hasInterleaved {
			fmt.Fprintf(&buf, ";interleaved=%d-%d", t.Interleaved[0], t.Interleaved[1])
		}
	case TransportUDP:
		buf.WriteString("RTP/AVP;unicast")
		if t.ClientPort.valid() {
			fmt.Fprintf(&buf, ";client_port=%d-%d", t.ClientPort[0], t.ClientPort[1])
		}
		if t.ServerPort.valid() {
			fmt.Fprintf(&buf, ";server_port=%d-%d", t.ServerPort[0], t.ServerPort[1])
		}
	}

	if t.SSRC != "" {
		buf.WriteString(";ssrc=")
		buf.WriteString(t.SSRC)
	}

	if t.Mode != "" {
		buf.WriteString(";mode=")
		buf.WriteString(t.Mode)
	}

	return buf.String()
}

// convertPortPair parses "a-b". A single port stands for the pair a, a+1.
func convertPortPair(portsStr string) (portPair, error) {
	ports := strings.SplitN(portsStr, "-", 2)

	first, err := strconv.Atoi(ports[0])
	if err != nil || first < 0 || first > 65535 {
		return portPair{}, fmt.Errorf("invalid port %q", ports[0])
	}

	if len(ports) == 1 {
		return portPair{first, first + 1}, nil
	}

	second, err := strconv.Atoi(ports[1])
	if err != nil || second < 0 || second > 65535 {
		return portPair{}, fmt.Errorf("invalid port %q", ports[1])
	}

	return portPair{first, second}, nil
}

func parseTransportHeader(trans string) (*transportHeader, error) {
	t := &transportHeader{}

	// servers may list several alternatives, the first one is the answer
	trans, _, _ = strings.Cut(trans, ",")

	for _, item := range strings.Split(trans, ";") {
		item = strings.TrimSpace(item)
		key, value, _ := strings.Cut(item, "=")

		var err error
		switch strings.ToLower(key) {
		case "rtp/avp", "rtp/avp/udp":
			t.Transport = TransportUDP
		case "rtp/avp/tcp":
			t.Transport = TransportInterleaved
		case "interleaved":
			if t.Interleaved, err = convertPortPair(value); err != nil {
				return nil, ErrInvalidInterleavedPort
			}
			t.hasInterleaved = true
		case "client_port":
			if t.ClientPort, err = convertPortPair(value); err != nil {
				return nil, ErrInvalidClientPort
			}
		case "server_port":
			if t.ServerPort, err = convertPortPair(value); err != nil {
				return nil, ErrInvalidServerPort
			}
		case "ssrc":
			t.SSRC = value
		case "mode":
			t.Mode = strings.Trim(value, `"`)
		}
	}

	if t.Transport == 0 {
		return nil, ErrInvalidTransport
	}

	return t, nil
}
