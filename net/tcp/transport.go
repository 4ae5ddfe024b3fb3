// Package tcp carries endpoint frames over TCP. Frames are CBOR encoded back to back on
// long lived connections, one cached outbound connection per remote.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jxta/datamodel/address"
	"jxta/net/endpoint"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCacheSize = 64
	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var ErrClosed = errors.New("transport closed")

type conn struct {
	mu  sync.Mutex // serializes writers
	c   net.Conn
	enc *cbor.Encoder
}

func (c *conn) write(ctx context.Context, f *endpoint.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	c.c.SetWriteDeadline(deadline)
	return c.enc.Encode(f)
}

type Transport struct {
	listener net.Listener
	dialer   net.Dialer

	mu     sync.Mutex
	conns  *lru.Cache[string, *conn]
	closed bool
}

func New(listener net.Listener, cacheSize int) (*Transport, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	t := &Transport{
		listener: listener,
		dialer:   net.Dialer{Timeout: dialTimeout},
	}
	conns, err := lru.NewWithEvict(cacheSize, func(hostport string, c *conn) {
		log.Debugf("tcp.Transport: closing connection to %s", hostport)
		c.c.Close()
	})
	if err != nil {
		return nil, err
	}
	t.conns = conns
	return t, nil
}

// Send writes f on the cached connection to hostport, dialing when there is none. A broken
// cached connection is dropped and dialed once more.
func (t *Transport) Send(ctx context.Context, hostport string, f *endpoint.Frame) error {
	for attempt := 0; attempt < 2; attempt++ {
		c, cached, err := t.get(ctx, hostport)
		if err != nil {
			return err
		}

		err = c.write(ctx, f)
		if err == nil {
			return nil
		}

		t.conns.Remove(hostport)
		if !cached || ctx.Err() != nil {
			return fmt.Errorf("tcp.Transport: send to %s: %w", hostport, err)
		}
		log.Debugf("tcp.Transport: cached connection to %s broken, redialing: %v", hostport, err)
	}
	return fmt.Errorf("tcp.Transport: send to %s failed", hostport)
}

func (t *Transport) get(ctx context.Context, hostport string) (*conn, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrClosed
	}
	if c, ok := t.conns.Get(hostport); ok {
		return c, true, nil
	}

	nc, err := t.dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, false, fmt.Errorf("tcp.Transport: dial %s: %w", hostport, err)
	}
	c := &conn{c: nc, enc: cbor.NewEncoder(nc)}
	t.conns.Add(hostport, c)
	return c, false, nil
}

// Close drops every cached outbound connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.conns.Purge()
	return nil
}

// Serve accepts connections and hands every decoded frame to deliver until ctx ends.
// Outbound connections stay usable until Close.
func (t *Transport) Serve(ctx context.Context, deliver func(*endpoint.Frame)) error {
	go func() {
		<-ctx.Done()
		log.Infof("tcp.Transport: context cancelled, closing listener %s", t.listener.Addr())
		if err := t.listener.Close(); err != nil {
			log.Warnf("tcp.Transport: error closing listener %s: %v", t.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if max := 1 * time.Second; tempDelay > max {
						tempDelay = max
					}
					log.Warnf("tcp.Transport: accept error on %s: %v; retrying in %v", t.listener.Addr(), err, tempDelay)
					time.Sleep(tempDelay)
					continue
				}
				log.Errorf("tcp.Transport: accept error on %s: %v", t.listener.Addr(), err)
				return err
			}
		}

		tempDelay = 0
		log.Debugf("tcp.Transport: accepted connection from %s", rw.RemoteAddr())
		go t.serveConn(ctx, rw, deliver)
	}
}

func (t *Transport) serveConn(ctx context.Context, c net.Conn, deliver func(*endpoint.Frame)) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	dec := cbor.NewDecoder(c)
	for {
		f := &endpoint.Frame{}
		if err := dec.Decode(f); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("tcp.Transport: connection %s closed", c.RemoteAddr())
			} else {
				log.Warnf("tcp.Transport: bad frame from %s: %v", c.RemoteAddr(), err)
			}
			return
		}

		if f.Src == nil {
			f.Src = address.New(address.ProtocolTCP, c.RemoteAddr().String(), "", "")
		}
		deliver(f)
	}
}

// Addrs lists the addresses other peers can reach the listener at. A wildcard listener
// yields one address per interface IP, loopback excluded when anything else exists.
func (t *Transport) Addrs() []*address.Address {
	tcpAddr, ok := t.listener.Addr().(*net.TCPAddr)
	if !ok {
		return []*address.Address{address.New(address.ProtocolTCP, t.listener.Addr().String(), "", "")}
	}

	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		return []*address.Address{address.New(address.ProtocolTCP, tcpAddr.String(), "", "")}
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Errorf("tcp.Transport: failed to get interface addresses: %v", err)
		return nil
	}

	var out, loopback []*address.Address
	seen := make(map[string]struct{})
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsUnspecified() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		// IPv4 listeners only get IPv4 addresses
		if tcpAddr.IP != nil && tcpAddr.IP.To4() != nil && ipnet.IP.To4() == nil {
			continue
		}

		hostport := (&net.TCPAddr{IP: ipnet.IP, Port: tcpAddr.Port}).String()
		if _, ok := seen[hostport]; ok {
			continue
		}
		seen[hostport] = struct{}{}

		addr := address.New(address.ProtocolTCP, hostport, "", "")
		if ipnet.IP.IsLoopback() {
			loopback = append(loopback, addr)
		} else {
			out = append(out, addr)
		}
	}

	if len(out) == 0 {
		return loopback
	}
	return out
}
