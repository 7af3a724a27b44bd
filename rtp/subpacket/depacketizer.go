package subpacket

import (
	"sync"

	"github.com/galaxy-iot/extender/av"
	"github.com/sirupsen/logrus"
)

// fragmentBuffer collects the data slices of one unit in arrival order.
type fragmentBuffer struct {
	timestamp uint32
	sync      bool
	slices    [][]byte
	size      int
}

func (f *fragmentBuffer) append(data []byte) {
	// the receive buffer is reused by the caller
	b := make([]byte, len(data))
	copy(b, data)
	f.slices = append(f.slices, b)
	f.size += len(b)
}

func (f *fragmentBuffer) bytes() []byte {
	out := make([]byte, 0, f.size)
	for _, s := range f.slices {
		out = append(out, s...)
	}
	return out
}

// Stats counts what a depacketizer did with its input.
type Stats struct {
	Packets   uint64
	Units     uint64
	Malformed uint64
	Orphans   uint64
	Replaced  uint64
}

// Depacketizer unwraps sub-packets of one elementary stream kind and
// reassembles fragmented units. One instance per kind, fragment state is
// never shared between video and audio.
type Depacketizer struct {
	kind av.MediaKind
	emit func(av.Unit)

	mu      sync.Mutex
	buffers map[uint32]*fragmentBuffer
	stats   Stats
}

func New(kind av.MediaKind, emit func(av.Unit)) *Depacketizer {
	return &Depacketizer{
		kind:    kind,
		emit:    emit,
		buffers: map[uint32]*fragmentBuffer{},
	}
}

func (d *Depacketizer) Kind() av.MediaKind {
	return d.kind
}

// Process consumes the payload of one transport packet and reports whether a
// complete unit was emitted. Fragments are taken in arrival order, sequence
// numbers are only used for diagnostics.
func (d *Depacketizer) Process(payload []byte, ssrc uint32, seq uint16, timestamp uint32) bool {
	h, err := Parse(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Packets++

	if err != nil {
		d.stats.Malformed++
		logrus.WithFields(logrus.Fields{
			"function": "Process",
			"kind":     d.kind.String(),
			"ssrc":     ssrc,
			"seq":      seq,
			"error":    err.Error(),
		}).Debug("Dropping malformed sub-packet")
		return false
	}

	data := h.Data(payload)

	switch h.Fragment() {
	case FragmentComplete:
		if _, ok := d.buffers[ssrc]; ok {
			delete(d.buffers, ssrc)
			d.stats.Replaced++
			d.warn("Complete unit discarded pending fragments", ssrc, seq)
		}

		unit := make([]byte, len(data))
		copy(unit, data)
		d.deliver(av.Unit{
			Kind:      d.kind,
			SSRC:      ssrc,
			Timestamp: timestamp,
			Sync:      h.Sync(),
			Data:      unit,
		})
		return true
	case FragmentFirst:
		if _, ok := d.buffers[ssrc]; ok {
			d.stats.Replaced++
			d.warn("First fragment replaced pending fragments", ssrc, seq)
		}

		buf := &fragmentBuffer{
			timestamp: timestamp,
			sync:      h.Sync(),
		}
		buf.append(data)
		d.buffers[ssrc] = buf
		return false
	case FragmentMiddle:
		buf, ok := d.buffers[ssrc]
		if !ok {
			d.stats.Orphans++
			d.warn("Middle fragment without first fragment", ssrc, seq)
			return false
		}

		buf.append(data)
		return false
	default:
		buf, ok := d.buffers[ssrc]
		if !ok {
			d.stats.Orphans++
			d.warn("Last fragment without first fragment", ssrc, seq)
			return false
		}

		buf.append(data)
		delete(d.buffers, ssrc)

		d.deliver(av.Unit{
			Kind:      d.kind,
			SSRC:      ssrc,
			Timestamp: buf.timestamp,
			Sync:      buf.sync,
			Data:      buf.bytes(),
		})
		return true
	}
}

// deliver runs with d.mu held so units of one stream keep the order in
// which their final fragment was processed.
func (d *Depacketizer) deliver(unit av.Unit) {
	d.stats.Units++
	if d.emit != nil {
		d.emit(unit)
	}
}

func (d *Depacketizer) warn(msg string, ssrc uint32, seq uint16) {
	logrus.WithFields(logrus.Fields{
		"function": "Process",
		"kind":     d.kind.String(),
		"ssrc":     ssrc,
		"seq":      seq,
	}).Warn(msg)
}

// Reset drops every pending fragment buffer.
func (d *Depacketizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.buffers); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Reset",
			"kind":     d.kind.String(),
			"pending":  n,
		}).Debug("Dropping pending fragment buffers")
	}

	d.buffers = map[uint32]*fragmentBuffer{}
}

// Pending reports whether a partially assembled unit exists for ssrc.
func (d *Depacketizer) Pending(ssrc uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.buffers[ssrc]
	return ok
}

func (d *Depacketizer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
