package rtp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// rfc3550

const (
	PacketTypeSR = 200 // Sender Report
	PacketTypeRR = 201 // Receiver Report

	senderReportPrefix = 20
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// SenderReport is the part of a sender report the client interprets.
type SenderReport struct {
	SSRC         uint32
	NTPSeconds   uint32
	NTPFraction  uint32
	RTPTimestamp uint32
}

// NTPTime converts the report's NTP timestamp to wall-clock time.
func (s SenderReport) NTPTime() time.Time {
	secs := int64(s.NTPSeconds) - ntpEpochOffset
	nsecs := (int64(s.NTPFraction) * int64(time.Second)) >> 32
	return time.Unix(secs, nsecs)
}

// ParseSenderReport recognizes a sender report from its 20-byte fixed
// prefix. Any trailing report blocks or compound packets are ignored.
func ParseSenderReport(b []byte) (SenderReport, bool) {
	if len(b) < senderReportPrefix || b[1] != PacketTypeSR {
		return SenderReport{}, false
	}

	return SenderReport{
		SSRC:         binary.BigEndian.Uint32(b[4:8]),
		NTPSeconds:   binary.BigEndian.Uint32(b[8:12]),
		NTPFraction:  binary.BigEndian.Uint32(b[12:16]),
		RTPTimestamp: binary.BigEndian.Uint32(b[16:20]),
	}, true
}

// ReceiverReport builds the 8-byte receiver report without report blocks.
func ReceiverReport(ssrc uint32) ([]byte, error) {
	return rtcp.ReceiverReport{SSRC: ssrc}.Marshal()
}

// Correlation maps stream timestamps to wall-clock time using the most
// recent sender report.
type Correlation struct {
	mu       sync.RWMutex
	valid    bool
	wall     time.Time
	rtpTime  uint32
	received time.Time
}

func (c *Correlation) Update(sr SenderReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = true
	c.wall = sr.NTPTime()
	c.rtpTime = sr.RTPTimestamp
	c.received = time.Now()
}

// WallClock returns the wall-clock time of an RTP timestamp. The second
// return value is false until a sender report was seen.
func (c *Correlation) WallClock(ts uint32, clockRate int) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || clockRate <= 0 {
		return time.Time{}, false
	}

	// signed difference handles timestamp wrap-around
	delta := int32(ts - c.rtpTime)
	offset := time.Duration(int64(delta) * int64(time.Second) / int64(clockRate))
	return c.wall.Add(offset), true
}
