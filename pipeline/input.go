package pipeline

import (
	"os"
	"sync"
	"time"

	"github.com/galaxy-iot/extender/av"
	"github.com/galaxy-iot/extender/codec"
	"github.com/galaxy-iot/extender/codec/h264"
	"github.com/sirupsen/logrus"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// input is the upstream FIFO of one stream. Units submitted before the
// muxing stage opens its end are queued up to a limit.
type input struct {
	kind   av.MediaKind
	path   string
	media  *av.MediaDescriptor
	format *codec.Format

	mu      sync.Mutex
	file    *os.File
	queue   [][]byte
	limit   int
	dropped int
	closed  bool
	// H.264 without out-of-band parameter sets waits for an SPS or IDR
	waitDecodable bool
}

func newInput(kind av.MediaKind, path string, media *av.MediaDescriptor, limit int) *input {
	in := &input{
		kind:   kind,
		path:   path,
		media:  media,
		format: codec.GetFormat(media.Codec),
		limit:  limit,
	}
	in.waitDecodable = in.format.StartCode && len(media.ParameterSets) == 0

	return in
}

// frame returns the bytes written for one unit.
func (in *input) frame(unit []byte) []byte {
	if !in.format.StartCode || h264.HasStartCode(unit) {
		return unit
	}

	b := make([]byte, 0, len(startCode)+len(unit))
	b = append(b, startCode...)
	return append(b, unit...)
}

func (in *input) connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.file != nil
}

// attach takes over the opened writer. Parameter sets go first, then the
// queued units. On failure the writer is closed.
func (in *input) attach(f *os.File, timeout time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		f.Close()
		return nil
	}

	var pending [][]byte
	if in.format.StartCode {
		for _, ps := range in.media.ParameterSets {
			pending = append(pending, in.frame(ps))
		}
	}
	pending = append(pending, in.queue...)
	in.queue = nil

	for _, b := range pending {
		if err := write(f, b, timeout); err != nil {
			f.Close()
			return err
		}
	}

	in.file = f

	logrus.WithFields(logrus.Fields{
		"function": "attach",
		"stream":   in.kind.String(),
		"flushed":  len(pending),
		"dropped":  in.dropped,
	}).Info("Stream pipe connected")

	return nil
}

// submit frames one unit and writes or queues it.
func (in *input) submit(unit []byte, timeout time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrNotRunning
	}

	if in.waitDecodable {
		if !h264.StartsDecoding(h264.TrimStartCode(unit)) {
			in.dropped++
			return nil
		}
		in.waitDecodable = false
	}

	b := in.frame(unit)

	if in.file == nil {
		if len(in.queue) >= in.limit {
			in.dropped++
			logrus.WithFields(logrus.Fields{
				"function": "submit",
				"stream":   in.kind.String(),
				"dropped":  in.dropped,
			}).Debug("Stream pipe not connected, dropping unit")
			return nil
		}

		in.queue = append(in.queue, b)
		return nil
	}

	return write(in.file, b, timeout)
}

func (in *input) close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.closed = true
	in.queue = nil
	if in.file != nil {
		in.file.Close()
		in.file = nil
	}
}

func write(f *os.File, b []byte, timeout time.Duration) error {
	if timeout > 0 {
		f.SetWriteDeadline(time.Now().Add(timeout))
	}

	_, err := f.Write(b)
	return err
}
