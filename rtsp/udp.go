package rtsp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/galaxy-iot/extender/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	udpReadBufferSize = 0x80000
	udpBatchSize      = 16
	udpMaxDatagram    = 2048

	minClientPort  = 10000
	maxClientPort  = 65535
	portPairTrials = 64
)

// udpListener is one side of a client port pair.
type udpListener struct {
	pc    *net.UDPConn
	bc    *ipv4.PacketConn
	isRTP bool

	writeTimeout time.Duration

	localPort int
	writeAddr *net.UDPAddr
}

// newUDPListenerPair binds two consecutive ports, the RTP one even and the
// RTCP one odd.
func newUDPListenerPair(writeTimeout time.Duration) (*udpListener, *udpListener, error) {
	for i := 0; i < portPairTrials; i++ {
		rtpPort := util.RandomEven(minClientPort, maxClientPort)

		rtpListener, err := newUDPListener(rtpPort, true, writeTimeout)
		if err != nil {
			continue
		}

		rtcpListener, err := newUDPListener(rtpPort+1, false, writeTimeout)
		if err != nil {
			rtpListener.close()
			continue
		}

		return rtpListener, rtcpListener, nil
	}

	return nil, nil, fmt.Errorf("rtsp: no free udp port pair after %d attempts", portPairTrials)
}

func newUDPListener(port int, isRTP bool, writeTimeout time.Duration) (*udpListener, error) {
	p, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}

	pc, ok := p.(*net.UDPConn)
	if !ok {
		p.Close()
		return nil, fmt.Errorf("rtsp: invalid listen packet")
	}

	if err := pc.SetReadBuffer(udpReadBufferSize); err != nil {
		pc.Close()
		return nil, err
	}

	return &udpListener{
		pc:           pc,
		bc:           ipv4.NewPacketConn(pc),
		isRTP:        isRTP,
		writeTimeout: writeTimeout,
		localPort:    port,
	}, nil
}

// setPeer points outgoing reports at the server side of the pair.
func (u *udpListener) setPeer(remote net.Addr, port int) {
	addr, ok := remote.(*net.TCPAddr)
	if !ok || port <= 0 {
		return
	}

	u.writeAddr = &net.UDPAddr{
		IP:   addr.IP,
		Zone: addr.Zone,
		Port: port,
	}
}

// run reads datagrams in batches until the socket is closed. handle must not
// retain the slice it is given.
func (u *udpListener) run(handle func(payload []byte)) {
	msgs := make([]ipv4.Message, udpBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, udpMaxDatagram)}
	}

	for {
		n, err := u.bc.ReadBatch(msgs, 0)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"port":     u.localPort,
					"error":    err.Error(),
				}).Warn("UDP receive loop stopped")
			}
			return
		}

		for i := 0; i < n; i++ {
			handle(msgs[i].Buffers[0][:msgs[i].N])
		}
	}
}

func (u *udpListener) write(payload []byte) error {
	if u.writeAddr == nil {
		return fmt.Errorf("rtsp: udp peer unknown on port %d", u.localPort)
	}

	// no mutex is needed here since Write() has an internal lock.
	// https://github.com/golang/go/issues/27203#issuecomment-534386117
	if u.writeTimeout > 0 {
		u.pc.SetWriteDeadline(time.Now().Add(u.writeTimeout))
	}
	_, err := u.pc.WriteTo(payload, u.writeAddr)
	return err
}

func (u *udpListener) close() {
	u.pc.Close()
}
