// Package mpubsub implements a Multicast PubSub for endpoint frames.
// Publish: a CBOR-encoded frame is sent to a multicast group.
// Listen: frames received from the group are handed to a callback.
package mpubsub

import (
	"context"
	"errors"
	"fmt"
	"jxta/net/endpoint"
	"net"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// MaxFrameSize is the largest frame that fits in one UDP datagram.
const MaxFrameSize = 65507

var ErrFrameTooLarge = errors.New("frame too large for multicast")

type PubSub struct {
	rc *net.UDPConn
	wc *net.UDPConn
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Join opens the read and write sockets of the multicast group at groupAddr, e.g.
// 224.0.1.85:1234.
func Join(groupAddr string) (*PubSub, error) {
	psaddr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: resolve %s: %w", groupAddr, err)
	}

	rs, err := net.ListenMulticastUDP("udp4", nil, psaddr)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: listen %s: %w", groupAddr, err)
	}

	ws, err := net.DialUDP("udp4", nil, psaddr)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("mpubsub: dial %s: %w", groupAddr, err)
	}

	return New(rs, ws), nil
}

func (ps *PubSub) Publish(f *endpoint.Frame) error {
	buf, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	if len(buf) > MaxFrameSize {
		return fmt.Errorf("mpubsub: %d bytes: %w", len(buf), ErrFrameTooLarge)
	}

	if _, err := ps.wc.Write(buf); err != nil {
		return err
	}

	log.Debugf("mpubsub: published %s to %s (%d bytes)", f.Message.ID, f.Dest, len(buf))
	return nil
}

// Listen reads frames from the group until ctx ends. Both sockets are closed on return.
func (ps *PubSub) Listen(ctx context.Context, deliver func(*endpoint.Frame)) error {
	stop := context.AfterFunc(ctx, func() {
		ps.rc.Close()
		ps.wc.Close()
	})
	defer stop()

	buf := make([]byte, MaxFrameSize)
	ps.rc.SetReadBuffer(4 * MaxFrameSize)
	for {
		n, from, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("mpubsub: failed to read frame: %v", err)
			continue
		}

		f := &endpoint.Frame{}
		if err := cbor.Unmarshal(buf[:n], f); err != nil {
			log.Warnf("mpubsub: failed to unmarshal frame from %s: %v", from, err)
			continue
		}
		deliver(f)
	}
}
