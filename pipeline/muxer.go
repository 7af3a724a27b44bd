package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galaxy-iot/extender/av"
	"github.com/galaxy-iot/extender/codec"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning       = errors.New("pipeline: not running")
	ErrAlreadyRunning   = errors.New("pipeline: already running")
	ErrNoStreams        = errors.New("pipeline: no stream to mux")
	ErrUnknownStream    = errors.New("pipeline: stream not configured")
	ErrUnsupportedCodec = errors.New("pipeline: unsupported codec")
	ErrLaunch           = errors.New("pipeline: unable to launch process")
	ErrProcessExited    = errors.New("pipeline: process exited")
	ErrRelay            = errors.New("pipeline: relay failed")
	ErrConnectTimeout   = errors.New("pipeline: stream pipe not opened by the muxing process")
	ErrKillTimeout      = errors.New("pipeline: process survived kill")
	ErrFifoUnsupported  = errors.New("pipeline: named pipes are not supported on this platform")

	errNoReader = errors.New("pipeline: fifo has no reader")
)

const (
	DefaultFFmpegPath = "ffmpeg"
	DefaultFFplayPath = "ffplay"

	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 2 * time.Second
	defaultGracePeriod    = 2 * time.Second
	defaultKillWait       = time.Second
	defaultJoinTimeout    = 2 * time.Second
	defaultPendingUnits   = 64

	connectPollInterval = 20 * time.Millisecond
)

type Config struct {
	FFmpegPath string
	FFplayPath string
	// argument templates, see DefaultMuxArgs
	MuxArgs  string
	PlayArgs string
	// parent directory of the per-run FIFO directory
	TempDir string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	GracePeriod    time.Duration
	KillWait       time.Duration
	JoinTimeout    time.Duration
	PendingUnits   int

	// OnError is called once when the pipeline fails by itself, from a
	// background goroutine, before it is torn down.
	OnError func(err error)
}

func (cfg *Config) setDefaults() {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.FFplayPath == "" {
		cfg.FFplayPath = DefaultFFplayPath
	}
	if cfg.MuxArgs == "" {
		cfg.MuxArgs = DefaultMuxArgs
	}
	if cfg.PlayArgs == "" {
		cfg.PlayArgs = DefaultPlayArgs
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PendingUnits <= 0 {
		cfg.PendingUnits = defaultPendingUnits
	}
}

// Muxer feeds reassembled units through two FIFOs into a muxing process
// and relays its output into a playback process.
type Muxer struct {
	Config

	id string

	mu      sync.RWMutex
	running atomic.Bool
	dir     string
	inputs  map[av.MediaKind]*input
	mux     *Process
	play    *Process

	ctx        context.Context
	cancelFunc context.CancelFunc
	group      *errgroup.Group

	errLock sync.Mutex
	err     error
}

func New(cfg Config) *Muxer {
	cfg.setDefaults()

	return &Muxer{
		Config: cfg,
		id:     uuid.NewString(),
	}
}

func (m *Muxer) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": function,
		"pipeline": m.id,
	})
}

// Start creates the FIFOs for the given streams, launches both stages and
// the background tasks. A nil descriptor leaves that stream out. On error
// nothing is left open or running.
func (m *Muxer) Start(video, audio *av.MediaDescriptor) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return ErrAlreadyRunning
	}

	if video == nil && audio == nil {
		return ErrNoStreams
	}

	for _, media := range []*av.MediaDescriptor{video, audio} {
		if media != nil && !codec.Supported(media) {
			return fmt.Errorf("%w: %s", ErrUnsupportedCodec, media.String())
		}
	}

	m.setErr(nil, true)
	m.ctx, m.cancelFunc = context.WithCancel(context.Background())
	m.inputs = map[av.MediaKind]*input{}

	defer func() {
		if err != nil {
			m.log("Start").WithField("error", err.Error()).Error("Unable to start pipeline")
			m.teardown()
		}
	}()

	if m.dir, err = os.MkdirTemp(m.TempDir, "extender-"+m.id+"-"); err != nil {
		return err
	}

	for _, media := range []*av.MediaDescriptor{video, audio} {
		if media == nil {
			continue
		}

		path := filepath.Join(m.dir, media.Kind.String()+".fifo")
		if err = makeFifo(path); err != nil {
			return err
		}
		m.inputs[media.Kind] = newInput(media.Kind, path, media, m.PendingUnits)
	}

	m.mux = newProcess("mux", m.FFmpegPath, expandArgs(m.MuxArgs, m.inputs))
	m.play = newProcess("play", m.FFplayPath, expandArgs(m.PlayArgs, nil))

	muxOut, muxOutW, err := os.Pipe()
	if err != nil {
		return err
	}
	m.mux.stdout = muxOut

	playInR, playIn, err := os.Pipe()
	if err != nil {
		muxOutW.Close()
		return err
	}
	m.play.stdin = playIn

	if err = m.mux.start(nil, muxOutW); err != nil {
		playInR.Close()
		return err
	}

	if err = m.play.start(playInR, nil); err != nil {
		return err
	}

	ctx, mux, play := m.ctx, m.mux, m.play

	var gctx context.Context
	m.group, gctx = errgroup.WithContext(ctx)

	m.group.Go(func() error {
		return m.check(ctx, mux.relay(gctx, play))
	})

	for _, p := range []*Process{mux, play} {
		p := p
		m.group.Go(p.drainStderr)
		m.group.Go(func() error {
			return m.watch(ctx, gctx, p)
		})
	}

	for _, in := range m.inputs {
		in := in
		m.group.Go(func() error {
			return m.check(ctx, m.connect(gctx, in))
		})
	}

	m.running.Store(true)

	m.log("Start").WithFields(logrus.Fields{
		"video": video.String(),
		"audio": audio.String(),
		"dir":   m.dir,
	}).Info("Pipeline started")

	return nil
}

// connect waits for the muxing stage to open the read end of in.
func (m *Muxer) connect(ctx context.Context, in *input) error {
	deadline := time.NewTimer(m.ConnectTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		f, err := openFifoWriter(in.path)
		if err == nil {
			if err := in.attach(f, m.WriteTimeout); err != nil {
				return fmt.Errorf("pipeline: %s pipe: %w", in.kind, err)
			}
			return nil
		}

		if !errors.Is(err, errNoReader) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrConnectTimeout, in.kind)
		case <-ticker.C:
		}
	}
}

// watch reports a stage exiting while the pipeline is meant to run. ctx is
// the run context, gctx the task group's.
func (m *Muxer) watch(ctx, gctx context.Context, p *Process) error {
	select {
	case <-p.done:
		return m.check(ctx, fmt.Errorf("%w: %s: %v", ErrProcessExited, p.Name, p.waitErr))
	case <-gctx.Done():
		return nil
	}
}

// check turns a task failure into an asynchronous teardown. Failures after
// the run context was cancelled are part of stopping.
func (m *Muxer) check(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}

	if m.setErr(err, false) {
		m.log("check").WithField("error", err.Error()).Error("Pipeline failed")
		if m.OnError != nil {
			m.OnError(err)
		}
	}

	go m.Stop()
	return err
}

// setErr records the first failure. It reports whether err was recorded.
func (m *Muxer) setErr(err error, reset bool) bool {
	m.errLock.Lock()
	defer m.errLock.Unlock()

	if reset {
		m.err = err
		return true
	}

	if m.err != nil {
		return false
	}
	m.err = err
	return true
}

// Err returns the failure that stopped the pipeline, nil after a clean
// Stop.
func (m *Muxer) Err() error {
	m.errLock.Lock()
	defer m.errLock.Unlock()
	return m.err
}

func (m *Muxer) Running() bool {
	return m.running.Load()
}

// SubmitVideoUnit writes one video unit, prefixed with a start code when
// the codec needs one.
func (m *Muxer) SubmitVideoUnit(unit []byte, timestamp uint32) error {
	return m.submit(av.Video, unit, timestamp)
}

func (m *Muxer) SubmitAudioUnit(unit []byte, timestamp uint32) error {
	return m.submit(av.Audio, unit, timestamp)
}

// Submit routes a unit by its kind.
func (m *Muxer) Submit(unit av.Unit) error {
	return m.submit(unit.Kind, unit.Data, unit.Timestamp)
}

func (m *Muxer) submit(kind av.MediaKind, unit []byte, timestamp uint32) error {
	m.mu.RLock()

	if !m.running.Load() {
		m.mu.RUnlock()
		return ErrNotRunning
	}

	in := m.inputs[kind]
	if in == nil {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, kind)
	}

	err := in.submit(unit, m.WriteTimeout)
	m.mu.RUnlock()

	if err == nil || errors.Is(err, ErrNotRunning) {
		return err
	}

	err = fmt.Errorf("pipeline: write %s unit at %d: %w", kind, timestamp, err)
	if m.setErr(err, false) {
		m.log("submit").WithField("error", err.Error()).Error("Stream pipe write failed, stopping pipeline")
	}
	m.Stop()

	return err
}

// Stop tears the pipeline down: cancel, close the stream pipes, stop the
// playback stage, close the relay source, stop the muxing stage, join the
// background tasks and release the rest. Every wait is bounded.
func (m *Muxer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return
	}
	m.running.Store(false)

	m.teardown()
	m.log("Stop").Info("Pipeline stopped")
}

// teardown releases whatever Start managed to create. It runs with mu held.
func (m *Muxer) teardown() {
	m.cancelFunc()

	for _, in := range m.inputs {
		in.close()
	}

	if m.play.started() {
		m.play.stop(m.GracePeriod, m.KillWait)
	}

	if m.mux != nil && m.mux.stdout != nil {
		m.mux.stdout.Close()
	}

	if m.mux.started() {
		m.mux.stop(m.GracePeriod, m.KillWait)
	}

	if m.group != nil {
		joined := make(chan struct{})
		go func() {
			m.group.Wait()
			close(joined)
		}()

		timer := time.NewTimer(m.JoinTimeout)
		select {
		case <-joined:
		case <-timer.C:
			m.log("teardown").Warn("Background tasks did not finish in time")
		}
		timer.Stop()
	}

	for _, p := range []*Process{m.mux, m.play} {
		if p != nil {
			p.release()
		}
	}

	if m.dir != "" {
		if err := os.RemoveAll(m.dir); err != nil {
			m.log("teardown").WithField("error", err.Error()).Warn("Unable to remove pipe directory")
		}
	}

	m.dir = ""
	m.group = nil
	m.mux, m.play = nil, nil
}
