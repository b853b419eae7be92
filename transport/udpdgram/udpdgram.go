// Package udpdgram is the reference transport.Link: a UDP socket
// wrapped in golang.org/x/net/ipv4's PacketConn so inbound control
// messages (interface index, destination address) are available for
// logging even though the protocol itself does not need them. Reads
// hand off through an eapache/channels.InfiniteChannel behind a
// core/worker.Worker goroutine, decoupling the blocking socket read
// from whatever pace the dispatch loop drains frames at, the same
// internal-channel net.PacketConn shape the teacher's
// sockatz/common.QUICProxyConn uses for a simulated link; this adapts
// that shape to a real kernel socket instead of an in-process pair.
package udpdgram

import (
	"context"
	"errors"
	"fmt"
	"net"

	channels "gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"
	"golang.org/x/net/ipv4"

	"github.com/dvo001/provlink/core/worker"
	"github.com/dvo001/provlink/transport"
)

var log = logging.MustGetLogger("transport/udpdgram")

type inbound struct {
	peer  string
	frame []byte
}

// Link binds one UDP socket and satisfies transport.Link.
type Link struct {
	worker.Worker

	channel string
	pconn   *ipv4.PacketConn
	raw     *net.UDPConn

	incoming *channels.InfiniteChannel
}

// Listen opens a UDP socket at address (host:port, or :port for all
// interfaces) tagged with channel for logging/metrics, and starts the
// background read loop.
func Listen(address, channel string) (*Link, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("udpdgram: resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udpdgram: listen %s: %w", address, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// Not every platform/socket combination supports control
		// messages; losing them only costs a log field, so continue.
		log.Debugf("udpdgram: control messages unavailable on %s: %v", address, err)
	}

	l := &Link{
		channel:  channel,
		pconn:    pconn,
		raw:      conn,
		incoming: channels.NewInfiniteChannel(),
	}
	l.Go(l.readLoop)
	return l, nil
}

func (l *Link) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, cm, src, err := l.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			log.Warningf("udpdgram[%s]: read error: %v", l.channel, err)
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		if cm != nil {
			log.Debugf("udpdgram[%s]: %d bytes from %s via if=%d dst=%s", l.channel, n, src, cm.IfIndex, cm.Dst)
		}

		select {
		case l.incoming.In() <- inbound{peer: src.String(), frame: frame}:
		case <-l.HaltCh():
			return
		}
	}
}

// Send implements transport.Link.
func (l *Link) Send(ctx context.Context, peer string, frame []byte) error {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return fmt.Errorf("udpdgram: resolve peer %s: %w", peer, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.raw.SetWriteDeadline(dl)
	}
	if _, err := l.pconn.WriteTo(frame, nil, addr); err != nil {
		return fmt.Errorf("udpdgram: write to %s: %w", peer, err)
	}
	return nil
}

// Receive implements transport.Link.
func (l *Link) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case v, ok := <-l.incoming.Out():
		if !ok {
			return "", nil, transport.ErrClosed
		}
		msg := v.(inbound)
		return msg.peer, msg.frame, nil
	case <-l.HaltCh():
		return "", nil, transport.ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// LocalChannel implements transport.Link.
func (l *Link) LocalChannel() string {
	return l.channel
}

// Close implements transport.Link.
func (l *Link) Close() error {
	l.Halt()
	err := l.pconn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
