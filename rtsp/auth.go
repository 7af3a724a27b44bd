package rtsp

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("rtsp: authentication rejected")
	ErrNoCredentials = errors.New("rtsp: server requires credentials, url carries none")
	ErrAuthScheme    = errors.New("rtsp: unsupported authentication scheme")
)

const (
	authBasic  = "Basic"
	authDigest = "Digest"
)

// challenge is the cached WWW-Authenticate of the last 401.
type challenge struct {
	scheme string
	realm  string
	nonce  string
	opaque string
}

/*
	RTSP/1.0 401 Unauthorized
	CSeq: 2
	WWW-Authenticate: Digest realm="LIVE555 Streaming Media", nonce="c633aaf8b83127633cbe98fac1d20d87"
	WWW-Authenticate: Basic realm="LIVE555 Streaming Media"
*/

// parseChallenge picks Digest over Basic when the server offers both.
func parseChallenge(values []string) (*challenge, error) {
	var basic *challenge

	for _, value := range values {
		scheme, params, _ := strings.Cut(strings.TrimSpace(value), " ")

		ch := &challenge{}
		for key, val := range parseAuthParams(params) {
			switch strings.ToLower(key) {
			case "realm":
				ch.realm = val
			case "nonce":
				ch.nonce = val
			case "opaque":
				ch.opaque = val
			}
		}

		switch {
		case strings.EqualFold(scheme, authDigest):
			if ch.nonce == "" {
				return nil, fmt.Errorf("%w: digest challenge without nonce", ErrAuthScheme)
			}
			ch.scheme = authDigest
			return ch, nil
		case strings.EqualFold(scheme, authBasic):
			ch.scheme = authBasic
			basic = ch
		}
	}

	if basic != nil {
		return basic, nil
	}

	return nil, ErrAuthScheme
}

// parseAuthParams splits `k1="v,1", k2=v2` honouring quoted commas.
func parseAuthParams(s string) map[string]string {
	params := map[string]string{}

	for len(s) > 0 {
		s = strings.TrimLeft(s, ", ")
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		key = strings.TrimSpace(key)

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val, s = rest[1:], ""
			} else {
				val, s = rest[1:end+1], rest[end+2:]
			}
		} else {
			val, s, _ = strings.Cut(rest, ",")
			val = strings.TrimSpace(val)
		}

		params[key] = val
	}

	return params
}

func md5hash(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// digestResponse is MD5(MD5(user:realm:pass):nonce:MD5(method:uri)).
func digestResponse(username, password, realm, nonce, method, uri string) string {
	hs1 := md5hash(username + ":" + realm + ":" + password)
	hs2 := md5hash(method + ":" + uri)
	return md5hash(hs1 + ":" + nonce + ":" + hs2)
}

// authorization computes the Authorization header value for one request.
func (c *challenge) authorization(username, password, method, uri string) string {
	if c.scheme == authBasic {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	value := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, c.realm, c.nonce, uri, digestResponse(username, password, c.realm, c.nonce, method, uri))

	if c.opaque != "" {
		value += fmt.Sprintf(`, opaque="%s"`, c.opaque)
	}

	return value
}
