package subpacket

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated     = errors.New("subpacket: header truncated")
	ErrBadOffset     = errors.New("subpacket: payload offset out of range")
	ErrExtensionTail = errors.New("subpacket: extension chain overruns packet")
)

// FragmentCode classifies a sub-packet relative to its elementary unit.
type FragmentCode byte

const (
	FragmentMiddle   FragmentCode = 0
	FragmentFirst    FragmentCode = 1
	FragmentLast     FragmentCode = 2
	FragmentComplete FragmentCode = 3
)

func (f FragmentCode) String() string {
	switch f {
	case FragmentMiddle:
		return "middle"
	case FragmentFirst:
		return "first"
	case FragmentLast:
		return "last"
	case FragmentComplete:
		return "complete"
	default:
		return fmt.Sprintf("FragmentCode(%d)", byte(f))
	}
}

// first flags byte
const (
	flagAbsoluteTime   = 0x80
	flagCorrespondence = 0x40
	flagReserved1      = 0x20
	flagReserved2      = 0x10
	flagReserved3      = 0x08
	flagMoreFlags      = 0x01
)

// second flags byte
const (
	maskFragment      = 0xC0
	shiftFragment     = 6
	flagOffset        = 0x20
	flagSync          = 0x10
	flagDiscontinuity = 0x08
	flagDroppable     = 0x04
	flagEncrypted     = 0x02
	flagThirdByte     = 0x01
)

// third flags byte
const (
	flagDecodeTime       = 0x80
	flagPresentationTime = 0x40
	flagPlayTime         = 0x20
	flagReserved4        = 0x10
	flagReserved5        = 0x08
	flagExtension        = 0x01
)

const (
	correspondenceLength = 12
	reservedLength       = 4

	extensionRecordHeader = 3
	extensionLast         = 0x80
	extensionTypeMask     = 0x7F
)

// Extension is one record of the generic extension block.
type Extension struct {
	Type byte
	Data []byte
}

// Correspondence pairs a wall-clock time with a stream timestamp.
type Correspondence struct {
	NTPTime      uint64
	RTPTimestamp uint32
}

/*
	+-+-+-+-+-+-+-+-+
	|A|C|R|R|R|-|-|M|  flags 1, M: flags 2 follows
	+-+-+-+-+-+-+-+-+
	|FRG|O|S|D|P|E|T|  flags 2, T: flags 3 follows
	+-+-+-+-+-+-+-+-+
	|D|P|N|R|R|-|-|X|  flags 3, X: extension block follows
	+-+-+-+-+-+-+-+-+
	| offset (16)   |  present when O is set
	+-+-+-+-+-+-+-+-+
	: optional fields in flag order, extension records, payload
*/

// Header is a parsed sub-packetization header. Data boundaries are indexes
// into the payload it was parsed from.
type Header struct {
	Flags1, Flags2, Flags3 byte

	Offset uint16

	AbsoluteTime     uint64
	Correspondence   Correspondence
	DecodeTime       uint32
	PresentationTime uint32
	PlayTime         uint64
	Extensions       []Extension

	DataStart int
	DataEnd   int
}

func (h *Header) HasFlags2() bool { return h.Flags1&flagMoreFlags != 0 }
func (h *Header) HasFlags3() bool { return h.HasFlags2() && h.Flags2&flagThirdByte != 0 }

func (h *Header) HasAbsoluteTime() bool   { return h.Flags1&flagAbsoluteTime != 0 }
func (h *Header) HasCorrespondence() bool { return h.Flags1&flagCorrespondence != 0 }

// Fragment returns the fragmentation code. A header without a second flags
// byte describes a complete unit.
func (h *Header) Fragment() FragmentCode {
	if !h.HasFlags2() {
		return FragmentComplete
	}
	return FragmentCode((h.Flags2 & maskFragment) >> shiftFragment)
}

func (h *Header) HasOffset() bool     { return h.HasFlags2() && h.Flags2&flagOffset != 0 }
func (h *Header) Sync() bool          { return h.HasFlags2() && h.Flags2&flagSync != 0 }
func (h *Header) Discontinuity() bool { return h.HasFlags2() && h.Flags2&flagDiscontinuity != 0 }
func (h *Header) Droppable() bool     { return h.HasFlags2() && h.Flags2&flagDroppable != 0 }
func (h *Header) Encrypted() bool     { return h.HasFlags2() && h.Flags2&flagEncrypted != 0 }

func (h *Header) HasDecodeTime() bool { return h.HasFlags3() && h.Flags3&flagDecodeTime != 0 }
func (h *Header) HasPresentationTime() bool {
	return h.HasFlags3() && h.Flags3&flagPresentationTime != 0
}
func (h *Header) HasPlayTime() bool  { return h.HasFlags3() && h.Flags3&flagPlayTime != 0 }
func (h *Header) HasExtension() bool { return h.HasFlags3() && h.Flags3&flagExtension != 0 }

type reader struct {
	b   []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.b) {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	r.pos++
	return r.b[r.pos-1], nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	r.pos += 2
	return binary.BigEndian.Uint16(r.b[r.pos-2:]), nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	r.pos += 4
	return binary.BigEndian.Uint32(r.b[r.pos-4:]), nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	r.pos += 8
	return binary.BigEndian.Uint64(r.b[r.pos-8:]), nil
}

func (r *reader) skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// Parse decodes the sub-packetization header at the start of payload and
// locates the elementary data window.
func Parse(payload []byte) (*Header, error) {
	r := &reader{b: payload}
	h := &Header{}

	var err error
	if h.Flags1, err = r.u8(); err != nil {
		return nil, err
	}

	if h.HasFlags2() {
		if h.Flags2, err = r.u8(); err != nil {
			return nil, err
		}

		if h.HasFlags3() {
			if h.Flags3, err = r.u8(); err != nil {
				return nil, err
			}
		}
	}

	end := len(payload)
	if h.HasOffset() {
		if h.Offset, err = r.u16(); err != nil {
			return nil, err
		}
		// counted from just after the offset field
		end = r.pos + int(h.Offset)
	}

	if h.HasAbsoluteTime() {
		if h.AbsoluteTime, err = r.u64(); err != nil {
			return nil, err
		}
	}

	if h.HasCorrespondence() {
		if err = r.need(correspondenceLength); err != nil {
			return nil, err
		}
		h.Correspondence.NTPTime, _ = r.u64()
		h.Correspondence.RTPTimestamp, _ = r.u32()
	}

	for _, flag := range []byte{flagReserved1, flagReserved2, flagReserved3} {
		if h.Flags1&flag != 0 {
			if err = r.skip(reservedLength); err != nil {
				return nil, err
			}
		}
	}

	if h.HasDecodeTime() {
		if h.DecodeTime, err = r.u32(); err != nil {
			return nil, err
		}
	}

	if h.HasPresentationTime() {
		if h.PresentationTime, err = r.u32(); err != nil {
			return nil, err
		}
	}

	if h.HasPlayTime() {
		if h.PlayTime, err = r.u64(); err != nil {
			return nil, err
		}
	}

	if h.HasFlags3() {
		for _, flag := range []byte{flagReserved4, flagReserved5} {
			if h.Flags3&flag != 0 {
				if err = r.skip(reservedLength); err != nil {
					return nil, err
				}
			}
		}
	}

	if h.HasExtension() {
		if err = h.parseExtensions(r); err != nil {
			return nil, err
		}
	}

	if end > len(payload) || end < r.pos {
		return nil, ErrBadOffset
	}

	h.DataStart = r.pos
	h.DataEnd = end
	return h, nil
}

// parseExtensions walks the length-prefixed record chain until a record
// with the last bit set.
func (h *Header) parseExtensions(r *reader) error {
	for {
		if err := r.need(extensionRecordHeader); err != nil {
			return ErrExtensionTail
		}

		flags, _ := r.u8()
		length, _ := r.u16()

		if err := r.need(int(length)); err != nil {
			return ErrExtensionTail
		}

		h.Extensions = append(h.Extensions, Extension{
			Type: flags & extensionTypeMask,
			Data: r.b[r.pos : r.pos+int(length)],
		})
		r.pos += int(length)

		if flags&extensionLast != 0 {
			return nil
		}
	}
}

// Data returns the elementary data window of payload.
func (h *Header) Data(payload []byte) []byte {
	return payload[h.DataStart:h.DataEnd]
}
