package rtsp

import (
	"bufio"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testDescription = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Extender\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 L16/48000/2\r\n" +
	"a=control:trackID=1\r\n"

const testSession = "12345678"

type handlerFunc func(req *Request) *Response

// fakeServer answers a single control connection the way an extender host
// does. Every request and every answer is recorded as an event.
type fakeServer struct {
	t        *testing.T
	listener net.Listener

	public     string
	timeout    int
	setupDelay time.Duration
	handlers   map[string]handlerFunc

	writeMu sync.Mutex
	conn    net.Conn

	mu       sync.Mutex
	events   []string
	requests []*Request

	frames    chan *InterleavedFrame
	responses chan *Response
	connected chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		t:         t,
		listener:  listener,
		public:    "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN",
		timeout:   60,
		handlers:  map[string]handlerFunc{},
		frames:    make(chan *InterleavedFrame, 16),
		responses: make(chan *Response, 16),
		connected: make(chan struct{}),
	}

	t.Cleanup(s.close)
	go s.accept()

	return s
}

func (s *fakeServer) url() string {
	return "rtsp://" + s.listener.Addr().String() + "/Extender"
}

func (s *fakeServer) close() {
	s.listener.Close()

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()
}

func (s *fakeServer) accept() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	close(s.connected)

	br := bufio.NewReaderSize(conn, readBufferSize)
	for {
		msg, err := readMessage(br)
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *InterleavedFrame:
			s.frames <- msg
		case *Response:
			s.responses <- msg
		case *Request:
			s.record("recv "+msg.Method, msg)
			s.dispatch(msg)
		}
	}
}

func (s *fakeServer) record(event string, req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if req != nil {
		s.requests = append(s.requests, req)
	}
}

func (s *fakeServer) dispatch(req *Request) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		handler = s.defaultHandler
	}

	resp := handler(req)
	if resp == nil {
		return
	}
	resp.Cseq = req.Cseq

	if req.Method == MethodSetup && s.setupDelay > 0 {
		go func() {
			time.Sleep(s.setupDelay)
			s.respond(req, resp)
		}()
		return
	}

	s.respond(req, resp)
}

// respond records before writing so the log never shows a request the
// client could only send after this answer ahead of it.
func (s *fakeServer) respond(req *Request, resp *Response) {
	s.record("resp "+req.Method, nil)
	s.write(resp.Bytes())
}

func (s *fakeServer) write(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn != nil {
		s.conn.Write(b)
	}
}

func (s *fakeServer) writeFrame(channel byte, payload []byte) {
	frame := &InterleavedFrame{Channel: channel, Payload: payload}
	s.write(frame.Bytes())
}

func okResponse(headers ...string) *Response {
	resp := &Response{
		StatusCode: http.StatusOK,
		Headers:    textproto.MIMEHeader{},
	}

	for i := 0; i+1 < len(headers); i += 2 {
		resp.Headers.Add(headers[i], headers[i+1])
	}

	return resp
}

func (s *fakeServer) defaultHandler(req *Request) *Response {
	switch req.Method {
	case MethodOptions:
		return okResponse("Public", s.public)
	case MethodDescribe:
		resp := okResponse("Content-Type", "application/sdp", "Content-Base", s.url()+"/")
		resp.Body = []byte(testDescription)
		return resp
	case MethodSetup:
		return okResponse(
			"Session", testSession+";timeout="+strconv.Itoa(s.timeout),
			"Transport", req.Headers.Get("Transport")+";ssrc=1F2E3D4C",
		)
	default:
		return okResponse("Session", testSession)
	}
}

// requestsFor returns the recorded requests of one method in arrival order.
func (s *fakeServer) requestsFor(method string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Request
	for _, req := range s.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Method)
	}
	return out
}

func (s *fakeServer) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}
