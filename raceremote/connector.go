// Package raceremote implements the Remote connector: cross-process
// addressing, the length-prefixed wire protocol, and the BusConnector
// proxy that lets the Bus treat remote Entities uniformly with local
// ones.
package raceremote

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// Config configures a Connector's listening endpoint and optional TLS.
type Config struct {
	RuntimeURI  string // this process's own URI, e.g. "race://host:7070/orders"
	RuntimeName string
	TLSConfig   *tls.Config // nil disables TLS
}

// Connector is the per-Runtime Remote connector: it accepts inbound
// peer connections, dials outbound ones on first need, and keeps one
// live outbound Peer per dialed address, reconnecting with backoff when
// a connection is lost.
type Connector struct {
	cfg      Config
	handlers Handlers

	mu    sync.Mutex
	peers map[string]*Peer

	listener net.Listener
	log      zerolog.Logger

	closed  chan struct{}
	closeOnce sync.Once
}

// New creates a Connector. Call Listen to accept inbound peers and
// Peer/EnsurePeer to reach outbound ones.
func New(cfg Config, handlers Handlers) *Connector {
	return &Connector{
		cfg:      cfg,
		handlers: handlers,
		peers:    make(map[string]*Peer),
		log:      racelog.WithComponent("remote-connector"),
		closed:   make(chan struct{}),
	}
}

// Listen starts accepting inbound connections on addr. It returns once
// the listener is bound; accept loop runs on its own goroutine.
func (c *Connector) Listen(addr string) error {
	var ln net.Listener
	var err error
	if c.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", addr, c.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("raceremote: listen %s: %w", addr, err)
	}
	c.listener = ln
	go c.acceptLoop(ln)
	return nil
}

func (c *Connector) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.log.Warn().Err(err).Msg("accept failed")
			return
		}
		peer := newPeer(conn, c.handlers)
		if c.handlers.OnPeerConnected != nil {
			c.handlers.OnPeerConnected(peer, true)
		}
		go func() {
			_ = peer.Send(Message{Kind: KindHandshake, Body: handshakeBody(c.cfg.RuntimeURI, c.cfg.RuntimeName)})
			peer.Run()
		}()
	}
}

// dial opens one connection to addr and completes the handshake.
func (c *Connector) dial(ctx context.Context, addr string) (*Peer, error) {
	dialer := net.Dialer{}
	var conn net.Conn
	var err error
	if c.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, c.cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		racemetrics.RemoteTransportFailures.WithLabelValues(addr).Inc()
		return nil, fmt.Errorf("raceremote: dial %s: %w", addr, err)
	}
	peer := newPeer(conn, c.handlers)
	if err := peer.Send(Message{Kind: KindHandshake, Body: handshakeBody(c.cfg.RuntimeURI, c.cfg.RuntimeName)}); err != nil {
		peer.Close()
		return nil, err
	}
	if c.handlers.OnPeerConnected != nil {
		c.handlers.OnPeerConnected(peer, false)
	}
	go peer.Run()
	return peer, nil
}

// EnsurePeer returns the live Peer for addr, dialing it if necessary,
// and arranges for automatic reconnection with jittered exponential
// backoff if it later drops. Per spec.md §4.6, a reconnected Peer is
// never re-initialized automatically; callers must detect the new Peer
// themselves (e.g. via Peer.Done) and recover application state.
func (c *Connector) EnsurePeer(ctx context.Context, addr string) (*Peer, error) {
	c.mu.Lock()
	if p, ok := c.peers[addr]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	peer, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peers[addr] = peer
	c.mu.Unlock()

	go c.watchAndReconnect(addr, peer)
	return peer, nil
}

// watchAndReconnect waits for the current Peer at addr to die, then
// redials with backoff until a new Peer is live or the Connector closes.
func (c *Connector) watchAndReconnect(addr string, peer *Peer) {
	<-peer.Done()

	c.mu.Lock()
	if c.peers[addr] == peer {
		delete(c.peers, addr)
	}
	c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}

	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}

		select {
		case <-c.closed:
			return
		case <-time.After(jitter(backoff)):
		}

		next, err := c.dial(context.Background(), addr)
		if err == nil {
			c.mu.Lock()
			c.peers[addr] = next
			c.mu.Unlock()
			go c.watchAndReconnect(addr, next)
			return
		}

		c.log.Warn().Err(err).Str("addr", addr).Msg("reconnect attempt failed")
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// RequestRemoteChannel dials addr if necessary and asks its Remote
// connector to forward every local publish matching pattern to us, the
// wire-level counterpart of a config declaring addr as an Entity's
// remote location.
func (c *Connector) RequestRemoteChannel(ctx context.Context, addr string, pattern string) error {
	peer, err := c.EnsurePeer(ctx, addr)
	if err != nil {
		return err
	}
	return peer.Send(Message{Kind: KindChannelRequest, Body: channelRequestBody(pattern)})
}

// Lookup asks addr's Remote connector to resolve name to a stable
// handle, the request/response exchange behind spec.md §4.6's "Lookup"
// deployment mode: the remote Runtime already has the Entity running.
func (c *Connector) Lookup(ctx context.Context, addr, name string) (uri, entityName string, err error) {
	peer, err := c.EnsurePeer(ctx, addr)
	if err != nil {
		return "", "", err
	}
	reply, err := peer.Request(Message{Kind: KindLookup, Body: lookupBody(name)}, ctx.Done())
	if err != nil {
		return "", "", err
	}
	switch reply.Kind {
	case KindHandle:
		uri, _ = reply.Body["uri"].(string)
		entityName, _ = reply.Body["name"].(string)
		return uri, entityName, nil
	case KindNotFound:
		return "", "", fmt.Errorf("raceremote: entity %q not found at %s", name, addr)
	default:
		return "", "", fmt.Errorf("raceremote: unexpected reply kind %s to lookup of %q", reply.Kind, name)
	}
}

// Instantiate asks addr's Remote connector to construct an Entity named
// name from class and config, the request/response exchange behind
// spec.md §4.6's "Start" deployment mode: the remote Runtime is running
// but empty of this Entity.
func (c *Connector) Instantiate(ctx context.Context, addr, name, class string, config any) (uri, entityName string, err error) {
	peer, err := c.EnsurePeer(ctx, addr)
	if err != nil {
		return "", "", err
	}
	reply, err := peer.Request(Message{Kind: KindInstantiate, Body: instantiateBody(name, class, config)}, ctx.Done())
	if err != nil {
		return "", "", err
	}
	switch reply.Kind {
	case KindHandle:
		uri, _ = reply.Body["uri"].(string)
		entityName, _ = reply.Body["name"].(string)
		return uri, entityName, nil
	case KindError:
		msg, _ := reply.Body["message"].(string)
		return "", "", fmt.Errorf("raceremote: instantiate %q at %s failed: %s", name, addr, msg)
	default:
		return "", "", fmt.Errorf("raceremote: unexpected reply kind %s to instantiate of %q", reply.Kind, name)
	}
}

// Peer returns the currently-live Peer for a remote URI, if connected.
func (c *Connector) Peer(addr string) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[addr]
	return p, ok
}

// Close tears down the listener and every live Peer.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.listener != nil {
			_ = c.listener.Close()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, p := range c.peers {
			p.Close()
		}
	})
}
