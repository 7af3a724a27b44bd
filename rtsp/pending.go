package rtsp

import (
	"time"
)

const defaultPendingLimit = 64

type pendingRequest struct {
	req    *Request
	sent   time.Time
	stream *stream
	// the request already went out once with credentials
	authRetried bool
}

// critical requests fail the negotiation when they go unanswered.
func (p *pendingRequest) critical() bool {
	switch p.req.Method {
	case MethodDescribe, MethodSetup, MethodPlay:
		return true
	default:
		return false
	}
}

// pendingTable correlates responses with requests by CSeq. Entries leave on
// response, after timeout, or oldest first once limit is exceeded. It is
// only touched by the session event loop.
type pendingTable struct {
	entries map[int]*pendingRequest
	order   []int
	limit   int
	timeout time.Duration
}

func newPendingTable(limit int, timeout time.Duration) *pendingTable {
	if limit <= 0 {
		limit = defaultPendingLimit
	}

	return &pendingTable{
		entries: map[int]*pendingRequest{},
		limit:   limit,
		timeout: timeout,
	}
}

// add stores p and returns the entries pushed out by the size limit.
func (t *pendingTable) add(cseq int, p *pendingRequest) []*pendingRequest {
	t.entries[cseq] = p
	t.order = append(t.order, cseq)

	var evicted []*pendingRequest
	for len(t.entries) > t.limit {
		cseq := t.order[0]
		t.order = t.order[1:]

		if e, ok := t.entries[cseq]; ok {
			delete(t.entries, cseq)
			evicted = append(evicted, e)
		}
	}

	return evicted
}

func (t *pendingTable) take(cseq int) (*pendingRequest, bool) {
	p, ok := t.entries[cseq]
	if !ok {
		return nil, false
	}

	delete(t.entries, cseq)
	t.compact()
	return p, true
}

// expire removes the entries older than the timeout.
func (t *pendingTable) expire(now time.Time) []*pendingRequest {
	if t.timeout <= 0 {
		return nil
	}

	var expired []*pendingRequest
	for cseq, p := range t.entries {
		if now.Sub(p.sent) >= t.timeout {
			delete(t.entries, cseq)
			expired = append(expired, p)
		}
	}

	if len(expired) > 0 {
		t.compact()
	}

	return expired
}

// compact drops order slots whose entry is gone.
func (t *pendingTable) compact() {
	order := t.order[:0]
	for _, cseq := range t.order {
		if _, ok := t.entries[cseq]; ok {
			order = append(order, cseq)
		}
	}
	t.order = order
}

func (t *pendingTable) len() int {
	return len(t.entries)
}
