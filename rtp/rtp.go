package rtp

import (
	"encoding/binary"
	"errors"

	"github.com/pion/rtp"
)

const (
	headerLength    = 12
	csrcLength      = 4
	extensionHeader = 4
	version         = 2
)

var (
	ErrShortPacket       = errors.New("rtp: packet too short")
	ErrVersion           = errors.New("rtp: unsupported version")
	ErrExtensionOverrun  = errors.New("rtp: extension exceeds packet")
	ErrPadding           = errors.New("rtp: invalid padding")
	ErrNegativePayload   = errors.New("rtp: negative payload length")
	ErrUnknownPacketType = errors.New("rtp: unknown packet type")
)

// Packet is a validated transport packet. Payload aliases the parsed buffer.
type Packet struct {
	rtp.Header

	HeaderLength  int
	PayloadLength int
	Payload       []byte
}

/*
	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                           timestamp                           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|           synchronization source (SSRC) identifier            |
	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
	|            contributing source (CSRC) identifiers             |
	|                             ....                              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|      defined by profile       |           length              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                        header extension                       |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// Parse validates the first n bytes of buf as a transport packet.
// It never modifies buf.
func Parse(buf []byte, n int) (*Packet, error) {
	if n > len(buf) {
		n = len(buf)
	}

	if n < headerLength {
		return nil, ErrShortPacket
	}

	if buf[0]>>6 != version {
		return nil, ErrVersion
	}

	p := &Packet{}
	p.Version = buf[0] >> 6
	p.Padding = buf[0]&0x20 != 0
	p.Extension = buf[0]&0x10 != 0
	csrcCount := int(buf[0] & 0x0F)
	p.Marker = buf[1]&0x80 != 0
	p.PayloadType = buf[1] & 0x7F
	p.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	p.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	p.SSRC = binary.BigEndian.Uint32(buf[8:12])

	p.HeaderLength = headerLength + csrcLength*csrcCount
	if n < p.HeaderLength {
		return nil, ErrShortPacket
	}

	if csrcCount > 0 {
		p.CSRC = make([]uint32, csrcCount)
		for i := range p.CSRC {
			offset := headerLength + i*csrcLength
			p.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+csrcLength])
		}
	}

	offset := p.HeaderLength
	if p.Extension {
		if n < offset+extensionHeader {
			return nil, ErrExtensionOverrun
		}

		p.ExtensionProfile = binary.BigEndian.Uint16(buf[offset : offset+2])
		words := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += extensionHeader + 4*words
		if offset > n {
			return nil, ErrExtensionOverrun
		}
	}

	p.PayloadOffset = offset
	p.PayloadLength = n - offset

	if p.Padding {
		padding := int(buf[n-1])
		if padding == 0 || padding > p.PayloadLength {
			return nil, ErrPadding
		}

		p.PaddingSize = byte(padding)
		p.PayloadLength -= padding
	}

	if p.PayloadLength < 0 {
		return nil, ErrNegativePayload
	}

	p.Payload = buf[offset : offset+p.PayloadLength]
	return p, nil
}
