package rtsp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/galaxy-iot/extender/util"
)

const (
	MethodOptions      = "OPTIONS"
	MethodAnnounce     = "ANNOUNCE"
	MethodDescribe     = "DESCRIBE"
	MethodPlay         = "PLAY"
	MethodPause        = "PAUSE"
	MethodSetup        = "SETUP"
	MethodTeardown     = "TEARDOWN"
	MethodGetParameter = "GET_PARAMETER"
	MethodSetParameter = "SET_PARAMETER"
)

const (
	rtspProtocol10 = "RTSP/1.0"

	interleavedMagic = '$'

	maxLineLength    = 4096
	maxContentLength = 1 << 20
)

var (
	ErrMessageTooLarge = errors.New("rtsp: message body too large")
)

type Request struct {
	Method  string
	Uri     string
	Headers textproto.MIMEHeader
	Body    []byte
	Cseq    int
}

type Response struct {
	StatusCode    int
	StatusMessage string
	Headers       textproto.MIMEHeader
	ContentLength int
	Body          []byte
	Cseq          int
	SessionID     string
}

// InterleavedFrame is one '$'-framed binary packet on the control
// connection.
type InterleavedFrame struct {
	Channel byte
	Payload []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func writeHeaders(buf *bytes.Buffer, headers textproto.MIMEHeader) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range headers[key] {
			io.WriteString(buf, key)
			io.WriteString(buf, ": ")
			io.WriteString(buf, value)
			io.WriteString(buf, "\r\n")
		}
	}
}

// Bytes encodes the request. CSeq is written first with its registered
// spelling since some servers match it case-sensitively.
func (r *Request) Bytes() []byte {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "%s %s %s\r\n", r.Method, r.Uri, rtspProtocol10)
	fmt.Fprintf(buf, "CSeq: %d\r\n", r.Cseq)

	writeHeaders(buf, r.Headers)

	if len(r.Body) > 0 {
		fmt.Fprintf(buf, "Content-Length: %d\r\n", len(r.Body))
	}

	io.WriteString(buf, "\r\n")
	buf.Write(r.Body)

	return buf.Bytes()
}

func (r *Response) Bytes() []byte {
	buf := &bytes.Buffer{}

	message := r.StatusMessage
	if message == "" {
		message = http.StatusText(r.StatusCode)
	}

	fmt.Fprintf(buf, "%s %d %s\r\n", rtspProtocol10, r.StatusCode, message)
	fmt.Fprintf(buf, "CSeq: %d\r\n", r.Cseq)

	writeHeaders(buf, r.Headers)

	if len(r.Body) > 0 {
		fmt.Fprintf(buf, "Content-Length: %d\r\n", len(r.Body))
	}

	io.WriteString(buf, "\r\n")
	buf.Write(r.Body)

	return buf.Bytes()
}

func (f *InterleavedFrame) Bytes() []byte {
	b := make([]byte, 4+len(f.Payload))
	b[0] = interleavedMagic
	b[1] = f.Channel
	binary.BigEndian.PutUint16(b[2:], uint16(len(f.Payload)))
	copy(b[4:], f.Payload)
	return b
}

// readMessage returns a *Response, a *Request or an *InterleavedFrame,
// whichever comes next on the connection.
func readMessage(br *bufio.Reader) (interface{}, error) {
	b, err := br.Peek(1)
	if err != nil {
		return nil, err
	}

	// [$(1 byte) channel(1 byte) length(2 byte)] payload
	if b[0] == interleavedMagic {
		return readInterleavedFrame(br)
	}

	b, err = br.Peek(5)
	if err != nil {
		return nil, err
	}

	if util.Bytes2String(b) == "RTSP/" {
		return readResponse(br)
	}

	return readRequest(br)
}

func readInterleavedFrame(br *bufio.Reader) (*InterleavedFrame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, err
	}

	frame := &InterleavedFrame{
		Channel: header[1],
		Payload: make([]byte, binary.BigEndian.Uint16(header[2:])),
	}

	if _, err := io.ReadFull(br, frame.Payload); err != nil {
		return nil, err
	}

	return frame, nil
}

func readResponse(br *bufio.Reader) (*Response, error) {
	res := &Response{}

	byts, n, err := readBytesLimited(br, ' ', 255)
	if err != nil {
		return nil, err
	}

	if proto := util.Bytes2String(byts[:n-1]); proto != rtspProtocol10 {
		return nil, fmt.Errorf("rtsp: expected '%s', got %q", rtspProtocol10, proto)
	}

	byts, n, err = readBytesLimited(br, ' ', 4)
	if err != nil {
		return nil, err
	}

	if res.StatusCode, err = strconv.Atoi(string(byts[:n-1])); err != nil {
		return nil, fmt.Errorf("rtsp: unable to parse status code")
	}

	byts, n, err = readBytesLimited(br, '\r', 255)
	if err != nil {
		return nil, err
	}
	res.StatusMessage = string(byts[:n-1])

	if err = readByteEqual(br, '\n'); err != nil {
		return nil, err
	}

	if res.Headers, res.ContentLength, res.Cseq, err = readHeaders(br); err != nil {
		return nil, err
	}
	res.SessionID = res.Headers.Get("Session")

	if res.Body, err = readBody(br, res.ContentLength); err != nil {
		return nil, err
	}

	return res, nil
}

func readRequest(br *bufio.Reader) (*Request, error) {
	// method url RTSP/1.0 \r\n
	// header \r\n
	// \r\n
	// body
	req := &Request{}

	byts, n, err := readBytesLimited(br, ' ', 255)
	if err != nil {
		return nil, err
	}
	req.Method = string(byts[:n-1])

	byts, n, err = readBytesLimited(br, ' ', maxLineLength)
	if err != nil {
		return nil, err
	}
	req.Uri = string(byts[:n-1])

	byts, n, err = readBytesLimited(br, '\r', 255)
	if err != nil {
		return nil, err
	}

	if proto := util.Bytes2String(byts[:n-1]); proto != rtspProtocol10 {
		return nil, fmt.Errorf("rtsp: expected '%s', got %q", rtspProtocol10, proto)
	}

	if err = readByteEqual(br, '\n'); err != nil {
		return nil, err
	}

	var contentLength int
	if req.Headers, contentLength, req.Cseq, err = readHeaders(br); err != nil {
		return nil, err
	}

	if req.Body, err = readBody(br, contentLength); err != nil {
		return nil, err
	}

	return req, nil
}

func readHeaders(br *bufio.Reader) (headers textproto.MIMEHeader, contentLength, cseq int, err error) {
	headers = textproto.MIMEHeader{}

	for {
		byts, n, err := readBytesLimited(br, '\n', maxLineLength)
		if err != nil {
			return nil, 0, 0, err
		}

		line := strings.TrimRight(string(byts[:n]), "\r\n")
		if line == "" {
			break
		}

		headerPair := strings.SplitN(line, ":", 2)
		if len(headerPair) < 2 {
			return nil, 0, 0, fmt.Errorf("rtsp: invalid header: %s", line)
		}

		key := strings.TrimSpace(headerPair[0])
		value := strings.TrimSpace(headerPair[1])

		switch strings.ToLower(key) {
		case "content-length":
			if contentLength, err = strconv.Atoi(value); err != nil || contentLength < 0 {
				return nil, 0, 0, fmt.Errorf("rtsp: invalid content length: %s", value)
			}
		case "cseq":
			if cseq, err = strconv.Atoi(value); err != nil {
				return nil, 0, 0, fmt.Errorf("rtsp: invalid cseq: %s", value)
			}
		}

		headers.Add(key, value)
	}

	return headers, contentLength, cseq, nil
}

func readBody(br *bufio.Reader, contentLength int) ([]byte, error) {
	if contentLength == 0 {
		return nil, nil
	}

	if contentLength > maxContentLength {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}

	return body, nil
}

// splitSession separates "id;timeout=60" into its parts. A missing or
// malformed timeout is returned as 0.
func splitSession(value string) (id string, timeout int) {
	fields := strings.Split(value, ";")
	id = strings.TrimSpace(fields[0])

	for _, field := range fields[1:] {
		keyval := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(keyval) == 2 && strings.EqualFold(strings.TrimSpace(keyval[0]), "timeout") {
			timeout, _ = strconv.Atoi(strings.TrimSpace(keyval[1]))
		}
	}

	return id, timeout
}
