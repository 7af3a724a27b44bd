package rtsp

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBytes(t *testing.T) {
	req := &Request{
		Method:  MethodSetup,
		Uri:     "rtsp://127.0.0.1/Extender/trackID=0",
		Cseq:    3,
		Headers: textproto.MIMEHeader{},
	}
	req.Headers.Set("Transport", "RTP/AVP/TCP;unicast;interleaved=0-1")
	req.Headers.Set("Accept-Language", DefaultAcceptLanguage)

	assert.Equal(t, "SETUP rtsp://127.0.0.1/Extender/trackID=0 RTSP/1.0\r\n"+
		"CSeq: 3\r\n"+
		"Accept-Language: en-us, *;q=0.1\r\n"+
		"Transport: RTP/AVP/TCP;unicast;interleaved=0-1\r\n"+
		"\r\n", string(req.Bytes()))

	req.Body = []byte("hello")
	assert.True(t, strings.HasSuffix(string(req.Bytes()), "Content-Length: 5\r\n\r\nhello"))
}

func TestReadMessage(t *testing.T) {
	stream := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 2\r\n" +
		"Session: 12345678;timeout=60\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"v=0\n" +
		"$\x01\x00\x03abc" +
		"ANNOUNCE rtsp://127.0.0.1/Extender RTSP/1.0\r\n" +
		"cseq: 9\r\n" +
		"\r\n"

	br := bufio.NewReader(strings.NewReader(stream))

	msg, err := readMessage(br)
	require.NoError(t, err)
	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.StatusMessage)
	assert.Equal(t, 2, resp.Cseq)
	assert.Equal(t, "12345678;timeout=60", resp.SessionID)
	assert.Equal(t, "v=0\n", string(resp.Body))
	assert.True(t, resp.OK())

	msg, err = readMessage(br)
	require.NoError(t, err)
	frame, ok := msg.(*InterleavedFrame)
	require.True(t, ok)
	assert.Equal(t, byte(1), frame.Channel)
	assert.Equal(t, "abc", string(frame.Payload))

	msg, err = readMessage(br)
	require.NoError(t, err)
	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, MethodAnnounce, req.Method)
	assert.Equal(t, 9, req.Cseq)
	assert.Empty(t, req.Body)
}

func TestReadMessageRoundTrip(t *testing.T) {
	resp := &Response{
		StatusCode: 401,
		Cseq:       4,
		Headers:    textproto.MIMEHeader{},
	}
	resp.Headers.Add("WWW-Authenticate", `Digest realm="r", nonce="n"`)
	resp.Headers.Add("WWW-Authenticate", `Basic realm="r"`)

	msg, err := readMessage(bufio.NewReader(bytes.NewReader(resp.Bytes())))
	require.NoError(t, err)

	got := msg.(*Response)
	assert.Equal(t, "Unauthorized", got.StatusMessage)
	assert.Equal(t, 4, got.Cseq)
	assert.Len(t, got.Headers.Values("WWW-Authenticate"), 2)
	assert.False(t, got.OK())
}

func TestReadMessageErrors(t *testing.T) {
	testCases := map[string]string{
		"bad protocol":   "HTTP/1.1 200 OK\r\n\r\n",
		"bad status":     "RTSP/1.0 2x0 OK\r\n\r\n",
		"bad header":     "RTSP/1.0 200 OK\r\nno colon here\r\n\r\n",
		"bad cseq":       "RTSP/1.0 200 OK\r\nCSeq: two\r\n\r\n",
		"negative body":  "RTSP/1.0 200 OK\r\nContent-Length: -1\r\n\r\n",
		"short body":     "RTSP/1.0 200 OK\r\nContent-Length: 10\r\n\r\nabc",
		"short frame":    "$\x00\x00\x10ab",
		"request proto":  "OPTIONS * HTTP/1.1\r\n\r\n",
		"truncated line": "RTSP/1.0 200",
	}

	for name, input := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := readMessage(bufio.NewReader(strings.NewReader(input)))
			assert.Error(t, err)
		})
	}

	_, err := readMessage(bufio.NewReader(strings.NewReader("RTSP/1.0 200 OK\r\nContent-Length: 2000000\r\n\r\n")))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestSplitSession(t *testing.T) {
	testCases := []struct {
		value   string
		id      string
		timeout int
	}{
		{"12345678", "12345678", 0},
		{"12345678;timeout=60", "12345678", 60},
		{"12345678; Timeout = 30", "12345678", 30},
		{"12345678;timeout=abc", "12345678", 0},
	}

	for _, tc := range testCases {
		id, timeout := splitSession(tc.value)
		assert.Equal(t, tc.id, id, tc.value)
		assert.Equal(t, tc.timeout, timeout, tc.value)
	}
}
