package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galaxy-iot/extender/av"
	"github.com/galaxy-iot/extender/rtp"
	"github.com/galaxy-iot/extender/rtp/subpacket"
	"github.com/galaxy-iot/extender/sdp"
	"github.com/galaxy-iot/extender/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNegotiation    = errors.New("rtsp: negotiation failed")
	ErrRequestTimeout = errors.New("rtsp: request unanswered")
	ErrNoStreams      = errors.New("rtsp: no selectable stream")
	ErrClosed         = errors.New("rtsp: client closed")
	ErrNotPlaying     = errors.New("rtsp: session is not playing")
	ErrNotPaused      = errors.New("rtsp: session is not paused")
)

const (
	DefaultUserAgent      = "MCExtender/1.0.0.0"
	DefaultAcceptLanguage = "en-us, *;q=0.1"
	DefaultSupported      = "com.microsoft.wm.srvppair, com.microsoft.wm.sswitch, com.microsoft.wm.eosmsg, com.microsoft.wm.fastcache, com.microsoft.wm.packetpairssrc, com.microsoft.wm.startupprofile"

	defaultPort           = "554"
	defaultTimeout        = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultStopTimeout    = 2 * time.Second
	defaultSessionTimeout = 60 * time.Second

	readBufferSize = 8192
)

type Config struct {
	URL       string
	Transport Transport
	// dial timeout and write deadline of the control connection
	Timeout time.Duration
	// unanswered requests are dropped after this long
	RequestTimeout time.Duration
	StopTimeout    time.Duration
	PendingLimit   int

	UserAgent      string
	AcceptLanguage string
	Supported      string

	// Streams the caller wants. Both false means both.
	Video bool
	Audio bool

	// OnPlaying runs on the event loop once the first PLAY succeeded. An
	// error fails the session. It must not call Stop synchronously.
	OnPlaying func(video, audio *av.MediaDescriptor) error
	// OnUnit receives every reassembled unit, from the receiving goroutine.
	OnUnit func(unit av.Unit)
	// OnEvent receives server initiated requests after they were answered.
	OnEvent func(req *Request)
}

func (cfg *Config) setDefaults() {
	if cfg.Transport == 0 {
		cfg.Transport = TransportInterleaved
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = DefaultAcceptLanguage
	}
	if cfg.Supported == "" {
		cfg.Supported = DefaultSupported
	}
	if !cfg.Video && !cfg.Audio {
		cfg.Video, cfg.Audio = true, true
	}
}

// stream is one set-up media section.
type stream struct {
	index    int
	media    *av.MediaDescriptor
	channels portPair

	rtpListener  *udpListener
	rtcpListener *udpListener

	correlation rtp.Correlation
}

type commandKind int

const (
	cmdPause commandKind = iota + 1
	cmdPlay
	cmdStop
)

type command struct {
	kind  commandKind
	reply chan error
}

// Client drives one session. Session state is owned by the event loop
// goroutine; the reader goroutine only forwards control messages to it and
// dispatches interleaved media itself.
type Client struct {
	Config

	id         string
	requestUri string
	username   string
	password   string
	hasUser    bool
	// local source id used in receiver reports
	ssrc uint32

	conn    *connWithTimeout
	brconn  *bufio.Reader
	writeMu sync.Mutex

	table         atomic.Pointer[sdp.Table]
	channelsLock  sync.RWMutex
	channels      map[byte]*stream
	depacketizers map[av.MediaKind]*subpacket.Depacketizer

	// event loop only
	cseq           int
	session        string
	sessionTimeout time.Duration
	aggregateUri   string
	challenge      *challenge
	pending        *pendingTable
	streams        []*stream
	setupQueue     []*stream
	getParameter   bool
	keepalive      *time.Ticker
	video          *av.MediaDescriptor
	audio          *av.MediaDescriptor

	state   atomic.Int32
	errLock sync.Mutex
	err     error

	messages chan interface{}
	commands chan command
	playing  chan struct{}
	done     chan struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Dial opens the control connection. Credentials embedded in the URL are
// kept for authentication and stripped from every request URI.
func Dial(cfg Config) (*Client, error) {
	cfg.setDefaults()

	parsedUrl, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(parsedUrl.Scheme, "rtsp") {
		return nil, fmt.Errorf("rtsp: unsupported url scheme %q", parsedUrl.Scheme)
	}

	if _, _, err := net.SplitHostPort(parsedUrl.Host); err != nil {
		parsedUrl.Host = net.JoinHostPort(parsedUrl.Hostname(), defaultPort)
	}

	c := &Client{
		Config:        cfg,
		id:            uuid.NewString(),
		ssrc:          util.Random32(),
		channels:      map[byte]*stream{},
		depacketizers: map[av.MediaKind]*subpacket.Depacketizer{},
		pending:       newPendingTable(cfg.PendingLimit, cfg.RequestTimeout),
		messages:      make(chan interface{}),
		commands:      make(chan command, 4),
		playing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())

	if parsedUrl.User != nil {
		c.hasUser = true
		c.username = parsedUrl.User.Username()
		c.password, _ = parsedUrl.User.Password()
		parsedUrl.User = nil
	}
	c.requestUri = parsedUrl.String()
	c.aggregateUri = c.requestUri

	for _, kind := range []av.MediaKind{av.Video, av.Audio} {
		c.depacketizers[kind] = subpacket.New(kind, c.emitUnit)
	}

	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.Dial("tcp", parsedUrl.Host)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	c.conn = &connWithTimeout{Conn: conn, WriteTimeout: cfg.Timeout}
	c.brconn = bufio.NewReaderSize(c.conn, readBufferSize)
	c.setState(StateConnected)

	c.log("Dial").WithField("url", c.requestUri).Info("Control connection established")
	return c, nil
}

// Connect negotiates the session and returns once it is playing, or with
// the reason it failed.
func (c *Client) Connect(ctx context.Context) error {
	starting := false
	c.startOnce.Do(func() {
		starting = true
		c.started.Store(true)

		c.wg.Add(2)
		go c.readLoop()
		go c.eventLoop()

		go func() {
			c.wg.Wait()
			close(c.done)
		}()
	})

	if !starting {
		return fmt.Errorf("rtsp: connect called twice or after stop")
	}

	select {
	case <-c.playing:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	}
}

// Pause asks the server to suspend delivery. The keepalive keeps running.
func (c *Client) Pause() error {
	return c.post(cmdPause)
}

// Play resumes a paused session.
func (c *Client) Play() error {
	return c.post(cmdPlay)
}

// Stop tears the session down and waits for it, bounded by StopTimeout.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		started := true
		c.startOnce.Do(func() { started = false })

		if !started {
			c.setState(StateStopped)
			c.cancelFunc()
			c.conn.Close()
			close(c.done)
			return
		}

		timer := time.NewTimer(c.StopTimeout)
		defer timer.Stop()

		select {
		case c.commands <- command{kind: cmdStop, reply: make(chan error, 1)}:
		case <-c.done:
			return
		case <-timer.C:
		}

		select {
		case <-c.done:
		case <-timer.C:
			c.log("Stop").Warn("Session did not stop in time, closing connection")
			c.cancelFunc()
			c.conn.Close()
		}
	})
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Err returns why the session failed, nil otherwise.
func (c *Client) Err() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.err
}

// Done is closed once every goroutine of the session has returned.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log("setState").WithFields(logrus.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Debug("Session state changed")
	}
}

func (c *Client) setErr(err error) {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": function,
		"client":   c.id,
	})
}

func (c *Client) post(kind commandKind) error {
	if !c.started.Load() {
		return ErrNotPlaying
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}

	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := readMessage(c.brconn)
		if err != nil {
			c.forward(err)
			return
		}

		if frame, ok := msg.(*InterleavedFrame); ok {
			c.HandleTransportPacket(frame.Channel, frame.Payload)
			continue
		}

		if !c.forward(msg) {
			return
		}
	}
}

func (c *Client) forward(msg interface{}) bool {
	select {
	case c.messages <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) evictInterval() time.Duration {
	interval := c.RequestTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (c *Client) eventLoop() {
	defer c.wg.Done()

	evict := time.NewTicker(c.evictInterval())
	defer evict.Stop()

	c.request(c.newRequest(MethodOptions, c.requestUri), nil, false)

	for {
		var keepalive <-chan time.Time
		if c.keepalive != nil {
			keepalive = c.keepalive.C
		}

		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.messages:
			c.handleMessage(msg)
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case <-keepalive:
			c.sendKeepalive()
		case now := <-evict.C:
			c.dropPending(c.pending.expire(now))
		}
	}
}

func (c *Client) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case *Response:
		c.handleResponse(m)
	case *Request:
		c.handleServerRequest(m)
	case error:
		c.shutdown(StateFailed, fmt.Errorf("rtsp: control connection: %w", m))
	}
}

func (c *Client) handleCommand(cmd command) {
	var err error

	switch cmd.kind {
	case cmdStop:
		c.shutdown(StateStopped, nil)
	case cmdPause:
		if c.State() != StatePlaying {
			err = ErrNotPlaying
			break
		}
		c.request(c.newRequest(MethodPause, c.aggregateUri), nil, false)
	case cmdPlay:
		if c.State() != StatePaused {
			err = ErrNotPaused
			break
		}
		c.sendPlay(false)
	}

	cmd.reply <- err
}

func (c *Client) newRequest(method, uri string) *Request {
	return &Request{
		Method:  method,
		Uri:     uri,
		Headers: textproto.MIMEHeader{},
	}
}

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.conn.Write(b)
	return err
}

// stamp assigns the next CSeq and the headers every request carries. A
// resend gets a new CSeq and freshly computed credentials.
func (c *Client) stamp(req *Request) {
	c.cseq++
	req.Cseq = c.cseq

	req.Headers.Set("User-Agent", c.UserAgent)
	req.Headers.Set("Accept-Language", c.AcceptLanguage)
	req.Headers.Set("Supported", c.Supported)

	if c.session != "" {
		req.Headers.Set("Session", c.session)
	}

	if c.challenge != nil {
		req.Headers.Set("Authorization", c.challenge.authorization(c.username, c.password, req.Method, req.Uri))
	}
}

// send writes req and records it as pending.
func (c *Client) send(req *Request, s *stream, authRetried bool) error {
	c.stamp(req)

	if err := c.write(req.Bytes()); err != nil {
		return err
	}

	c.log("send").WithFields(logrus.Fields{
		"method": req.Method,
		"uri":    req.Uri,
		"cseq":   req.Cseq,
	}).Debug("Request sent")

	c.dropPending(c.pending.add(req.Cseq, &pendingRequest{
		req:         req,
		sent:        time.Now(),
		stream:      s,
		authRetried: authRetried,
	}))

	return nil
}

// request sends req and fails the session when the write does not go out.
func (c *Client) request(req *Request, s *stream, authRetried bool) {
	if err := c.send(req, s, authRetried); err != nil {
		c.shutdown(StateFailed, fmt.Errorf("rtsp: %s: %w", req.Method, err))
	}
}

func (c *Client) dropPending(dropped []*pendingRequest) {
	for _, p := range dropped {
		c.log("dropPending").WithFields(logrus.Fields{
			"method": p.req.Method,
			"cseq":   p.req.Cseq,
		}).Warn("Dropping unanswered request")

		if p.critical() {
			c.shutdown(StateFailed, fmt.Errorf("%w: %s %s", ErrRequestTimeout, p.req.Method, p.req.Uri))
			return
		}
	}
}

func (c *Client) handleResponse(resp *Response) {
	p, ok := c.pending.take(resp.Cseq)
	if !ok {
		c.log("handleResponse").WithField("cseq", resp.Cseq).Debug("Response without pending request")
		return
	}

	if resp.SessionID != "" {
		id, timeout := splitSession(resp.SessionID)
		if c.session == "" {
			c.session = id
		}
		if timeout > 0 {
			c.sessionTimeout = time.Duration(timeout) * time.Second
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.handleUnauthorized(p, resp)
		return
	}

	switch p.req.Method {
	case MethodOptions:
		c.onOptions(resp)
	case MethodDescribe:
		c.onDescribe(resp)
	case MethodSetup:
		c.onSetup(resp, p.stream)
	case MethodPlay:
		c.onPlay(resp)
	case MethodPause:
		c.onPause(resp)
	case MethodGetParameter:
		if !resp.OK() {
			c.log("handleResponse").WithField("status", resp.StatusCode).Warn("Keepalive rejected")
		}
	}
}

func (c *Client) handleUnauthorized(p *pendingRequest, resp *Response) {
	if p.authRetried {
		c.shutdown(StateFailed, fmt.Errorf("%w: %s %s", ErrUnauthorized, p.req.Method, p.req.Uri))
		return
	}

	ch, err := parseChallenge(resp.Headers.Values("WWW-Authenticate"))
	if err != nil {
		c.shutdown(StateFailed, err)
		return
	}

	if !c.hasUser {
		c.shutdown(StateFailed, ErrNoCredentials)
		return
	}

	c.challenge = ch
	c.log("handleUnauthorized").WithFields(logrus.Fields{
		"method": p.req.Method,
		"scheme": ch.scheme,
		"realm":  ch.realm,
	}).Info("Resending request with credentials")

	c.request(p.req, p.stream, true)
}

func (c *Client) negotiationFailed(method string, resp *Response) {
	c.shutdown(StateFailed, fmt.Errorf("%w: %s returned %d %s", ErrNegotiation, method, resp.StatusCode, resp.StatusMessage))
}

func containsMethod(public, method string) bool {
	for _, m := range strings.Split(public, ",") {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

func (c *Client) onOptions(resp *Response) {
	if public := resp.Headers.Get("Public"); public != "" {
		c.getParameter = containsMethod(public, MethodGetParameter)
	}

	if c.State() != StateConnected {
		return
	}

	if !resp.OK() {
		c.log("onOptions").WithField("status", resp.StatusCode).Warn("OPTIONS rejected, describing anyway")
	}

	c.setState(StateNegotiating)

	req := c.newRequest(MethodDescribe, c.requestUri)
	req.Headers.Set("Accept", "application/sdp")
	c.request(req, nil, false)
}

func (c *Client) onDescribe(resp *Response) {
	if !resp.OK() {
		c.negotiationFailed(MethodDescribe, resp)
		return
	}

	base := resp.Headers.Get("Content-Base")
	if base == "" {
		base = resp.Headers.Get("Content-Location")
	}
	if base == "" {
		base = c.requestUri
	}
	c.aggregateUri = base

	table, err := sdp.Negotiate(string(resp.Body), base)
	if err != nil {
		c.shutdown(StateFailed, fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}

	video, audio := table.Select(c.Video, c.Audio)
	if video == nil && audio == nil {
		c.shutdown(StateFailed, ErrNoStreams)
		return
	}

	c.table.Store(table)
	c.video, c.audio = video, audio

	for _, m := range []*av.MediaDescriptor{video, audio} {
		if m == nil {
			continue
		}

		s := &stream{
			index: len(c.streams),
			media: m,
		}
		c.streams = append(c.streams, s)
		c.setupQueue = append(c.setupQueue, s)

		c.log("onDescribe").WithFields(logrus.Fields{
			"media":        m.String(),
			"payload_type": m.PayloadType,
			"control":      m.Control,
		}).Info("Selected stream")
	}

	c.sendNextSetup()
}

// sendNextSetup keeps a single SETUP in flight and sends PLAY once the
// queue is drained.
func (c *Client) sendNextSetup() {
	if len(c.setupQueue) == 0 {
		c.sendPlay(true)
		return
	}

	s := c.setupQueue[0]
	c.setupQueue = c.setupQueue[1:]

	th := &transportHeader{Transport: c.Transport}

	switch c.Transport {
	case TransportInterleaved:
		th.Interleaved = portPair{2 * s.index, 2*s.index + 1}
		th.hasInterleaved = true
	case TransportUDP:
		rtpListener, rtcpListener, err := newUDPListenerPair(c.Timeout)
		if err != nil {
			c.shutdown(StateFailed, err)
			return
		}

		s.rtpListener, s.rtcpListener = rtpListener, rtcpListener
		th.ClientPort = portPair{rtpListener.localPort, rtcpListener.localPort}
	}

	req := c.newRequest(MethodSetup, s.media.Control)
	req.Headers.Set("Transport", th.String())
	c.request(req, s, false)
}

func (c *Client) onSetup(resp *Response, s *stream) {
	if !resp.OK() {
		c.negotiationFailed(MethodSetup, resp)
		return
	}

	th, err := parseTransportHeader(resp.Headers.Get("Transport"))
	if err != nil {
		c.shutdown(StateFailed, fmt.Errorf("%w: SETUP transport: %v", ErrNegotiation, err))
		return
	}

	if th.Transport != c.Transport {
		c.shutdown(StateFailed, fmt.Errorf("%w: server answered %s for %s", ErrInvalidTransport, th.Transport, c.Transport))
		return
	}

	s.channels = portPair{2 * s.index, 2*s.index + 1}

	switch c.Transport {
	case TransportInterleaved:
		if th.hasInterleaved {
			if th.Interleaved[0] > 255 || th.Interleaved[1] > 255 {
				c.shutdown(StateFailed, ErrInvalidInterleavedPort)
				return
			}
			s.channels = th.Interleaved
		}
	case TransportUDP:
		remote := c.conn.RemoteAddr()
		s.rtpListener.setPeer(remote, th.ServerPort[0])
		s.rtcpListener.setPeer(remote, th.ServerPort[1])
		c.startUDP(s)
	}

	c.channelsLock.Lock()
	c.channels[byte(s.channels[0])] = s
	c.channels[byte(s.channels[1])] = s
	c.channelsLock.Unlock()

	c.sendNextSetup()
}

// startUDP feeds datagrams through the same dispatch as interleaved frames,
// using the stream's channel numbers.
func (c *Client) startUDP(s *stream) {
	rtpChannel, rtcpChannel := byte(s.channels[0]), byte(s.channels[1])

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		s.rtpListener.run(func(payload []byte) {
			c.HandleTransportPacket(rtpChannel, payload)
		})
	}()
	go func() {
		defer c.wg.Done()
		s.rtcpListener.run(func(payload []byte) {
			c.HandleTransportPacket(rtcpChannel, payload)
		})
	}()
}

func (c *Client) sendPlay(first bool) {
	req := c.newRequest(MethodPlay, c.aggregateUri)
	if first {
		req.Headers.Set("Range", "npt=0.000-")
	}
	c.request(req, nil, false)
}

func (c *Client) onPlay(resp *Response) {
	if !resp.OK() {
		c.negotiationFailed(MethodPlay, resp)
		return
	}

	switch c.State() {
	case StateNegotiating:
		if c.OnPlaying != nil {
			if err := c.OnPlaying(c.video, c.audio); err != nil {
				c.shutdown(StateFailed, fmt.Errorf("rtsp: start playback: %w", err))
				return
			}
		}

		c.setState(StatePlaying)
		c.startKeepalive()
		close(c.playing)

		c.log("onPlay").WithFields(logrus.Fields{
			"session":   c.session,
			"transport": c.Transport.String(),
		}).Info("Session playing")
	case StatePaused:
		c.setState(StatePlaying)
	}
}

func (c *Client) onPause(resp *Response) {
	if !resp.OK() {
		c.log("onPause").WithField("status", resp.StatusCode).Warn("PAUSE rejected")
		return
	}

	if c.State() == StatePlaying {
		c.setState(StatePaused)
	}
}

// keepaliveInterval is half the advertised session timeout.
func (c *Client) keepaliveInterval() time.Duration {
	timeout := c.sessionTimeout
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	return timeout / 2
}

func (c *Client) startKeepalive() {
	c.keepalive = time.NewTicker(c.keepaliveInterval())
}

func (c *Client) stopKeepalive() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
}

func (c *Client) sendKeepalive() {
	if c.getParameter {
		c.request(c.newRequest(MethodGetParameter, c.aggregateUri), nil, false)
		return
	}
	c.request(c.newRequest(MethodOptions, c.requestUri), nil, false)
}

// handleServerRequest answers ANNOUNCE, SET_PARAMETER and friends.
func (c *Client) handleServerRequest(req *Request) {
	resp := &Response{
		StatusCode: http.StatusOK,
		Cseq:       req.Cseq,
		Headers:    textproto.MIMEHeader{},
	}

	if c.session != "" {
		resp.Headers.Set("Session", c.session)
	}

	if err := c.write(resp.Bytes()); err != nil {
		c.shutdown(StateFailed, fmt.Errorf("rtsp: answer %s: %w", req.Method, err))
		return
	}

	c.log("handleServerRequest").WithFields(logrus.Fields{
		"method": req.Method,
		"cseq":   req.Cseq,
	}).Info("Server request answered")

	if c.OnEvent != nil {
		c.OnEvent(req)
	}
}

// HandleTransportPacket dispatches one raw transport packet. Even channels
// carry media, odd channels carry control reports. Malformed or unknown
// packets are dropped.
func (c *Client) HandleTransportPacket(channel byte, data []byte) {
	if channel%2 == 0 {
		c.handleMedia(channel, data)
		return
	}

	sr, ok := rtp.ParseSenderReport(data)
	if !ok {
		return
	}

	s := c.streamOn(channel)
	if s != nil {
		s.correlation.Update(sr)
	}

	c.sendReceiverReport(channel, s)
}

func (c *Client) handleMedia(channel byte, data []byte) {
	p, err := rtp.Parse(data, len(data))
	if err != nil {
		c.log("handleMedia").WithFields(logrus.Fields{
			"channel": channel,
			"error":   err.Error(),
		}).Debug("Dropping malformed packet")
		return
	}

	m := c.table.Load().Lookup(p.PayloadType)
	if m == nil {
		c.log("handleMedia").WithFields(logrus.Fields{
			"channel":      channel,
			"payload_type": p.PayloadType,
		}).Debug("Dropping packet with unknown payload type")
		return
	}

	d := c.depacketizers[m.Kind]
	if d == nil {
		return
	}

	d.Process(p.Payload, p.SSRC, p.SequenceNumber, p.Timestamp)
}

func (c *Client) streamOn(channel byte) *stream {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()
	return c.channels[channel]
}

// sendReceiverReport answers a sender report on the transport it came from.
func (c *Client) sendReceiverReport(channel byte, s *stream) {
	rr, err := rtp.ReceiverReport(c.ssrc)
	if err != nil {
		c.log("sendReceiverReport").WithField("error", err.Error()).Warn("Unable to build receiver report")
		return
	}

	if s != nil && s.rtcpListener != nil {
		err = s.rtcpListener.write(rr)
	} else {
		frame := &InterleavedFrame{Channel: channel, Payload: rr}
		err = c.write(frame.Bytes())
	}

	if err != nil {
		c.log("sendReceiverReport").WithFields(logrus.Fields{
			"channel": channel,
			"error":   err.Error(),
		}).Warn("Unable to send receiver report")
	}
}

// WallClock maps a media timestamp of the given kind to wall-clock time
// using the last sender report of its stream.
func (c *Client) WallClock(kind av.MediaKind, timestamp uint32) (time.Time, bool) {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	for _, s := range c.channels {
		if s.media.Kind == kind {
			return s.correlation.WallClock(timestamp, s.media.ClockRate)
		}
	}

	return time.Time{}, false
}

func (c *Client) emitUnit(unit av.Unit) {
	if c.OnUnit != nil {
		c.OnUnit(unit)
	}
}

// shutdown moves the session to a terminal state. TEARDOWN is best effort.
func (c *Client) shutdown(state State, err error) {
	if c.State().Terminal() {
		return
	}

	if err != nil {
		c.setErr(err)
		c.log("shutdown").WithField("error", err.Error()).Error("Session failed")
	}

	if c.session != "" && state == StateStopped {
		req := c.newRequest(MethodTeardown, c.aggregateUri)
		c.stamp(req)
		if err := c.write(req.Bytes()); err != nil {
			c.log("shutdown").WithField("error", err.Error()).Debug("TEARDOWN not sent")
		}
	}

	c.setState(state)
	c.stopKeepalive()
	c.cancelFunc()
	c.conn.Close()

	for _, s := range c.streams {
		if s.rtpListener != nil {
			s.rtpListener.close()
		}
		if s.rtcpListener != nil {
			s.rtcpListener.close()
		}
	}

	for _, d := range c.depacketizers {
		d.Reset()
	}

	c.log("shutdown").WithField("state", state.String()).Info("Session closed")
}
