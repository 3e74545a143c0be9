package raceremote

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// Handlers are the Connector-supplied callbacks a Peer invokes for each
// inbound Message kind it cannot answer on its own (request/response
// correlation is handled by Peer itself).
type Handlers struct {
	OnLookup       func(name string) (handleURI, handleName string, found bool)
	OnInstantiate  func(name, class string, config any) (handleURI, handleName string, err error)
	OnLifecycleCmd func(handleName, cmd string, config any) (ok bool, reason string)
	OnBusEvent     func(channel, payloadTypeID string, payload []byte, senderURI, senderName string)
	OnTopicMessage func(kind Kind, body map[string]any)
	OnInspect        func() map[string]string
	OnShutdown       func()
	OnChannelRequest func(peer *Peer, pattern string)
	// OnPeerConnected fires once per new Peer, inbound or outbound, as
	// soon as its read loop is about to start — the hook a Runtime uses
	// to construct that peer's BusConnector.
	OnPeerConnected func(peer *Peer, inbound bool)
}

// Peer owns one live connection to another Runtime's Remote connector:
// a framed read loop dispatching inbound Messages, and a write path
// used both for fire-and-forget sends (BUS_EVENT, TOPIC_*) and for
// request/response exchanges correlated by a generated request id.
type Peer struct {
	URI  string // the remote Runtime's URI, once the handshake completes
	conn net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	handlers Handlers
	log      zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(conn net.Conn, handlers Handlers) *Peer {
	return &Peer{
		conn:     conn,
		pending:  make(map[string]chan Message),
		handlers: handlers,
		log:      racelog.WithComponent("remote-peer"),
		closed:   make(chan struct{}),
	}
}

// Run drives the read loop until the connection closes or errors. It
// must be called on a dedicated goroutine.
func (p *Peer) Run() {
	defer p.Close()
	for {
		data, err := readFrame(p.conn)
		if err != nil {
			racemetrics.RemoteTransportFailures.WithLabelValues(p.peerLabel()).Inc()
			p.log.Warn().Err(err).Str("peer", p.peerLabel()).Msg("remote connection read failed")
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			racemetrics.SerializationFailures.WithLabelValues("envelope").Inc()
			p.log.Warn().Err(err).Msg("could not decode remote message")
			continue
		}
		p.dispatch(msg)
	}
}

// RemoteAddr returns the underlying connection's remote address, stable
// from the moment the Peer is constructed — unlike URI, which is only
// populated once the handshake frame arrives.
func (p *Peer) RemoteAddr() string { return p.conn.RemoteAddr().String() }

func (p *Peer) peerLabel() string {
	if p.URI != "" {
		return p.URI
	}
	return p.conn.RemoteAddr().String()
}

// Send writes msg without waiting for any reply.
func (p *Peer) Send(msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, data); err != nil {
		racemetrics.RemoteTransportFailures.WithLabelValues(p.peerLabel()).Inc()
		return err
	}
	return nil
}

// Request sends msg tagged with a fresh request id and blocks until a
// reply carrying the same id arrives, the Peer closes, or abort fires.
func (p *Peer) Request(msg Message, abort <-chan struct{}) (Message, error) {
	reqID := uuid.NewString()
	if msg.Body == nil {
		msg.Body = map[string]any{}
	}
	msg.Body["req_id"] = reqID

	reply := make(chan Message, 1)
	p.pendingMu.Lock()
	p.pending[reqID] = reply
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, reqID)
		p.pendingMu.Unlock()
	}()

	if err := p.Send(msg); err != nil {
		return Message{}, err
	}

	select {
	case m := <-reply:
		return m, nil
	case <-p.closed:
		return Message{}, fmt.Errorf("raceremote: peer %s closed while awaiting reply", p.peerLabel())
	case <-abort:
		return Message{}, fmt.Errorf("raceremote: request to peer %s aborted", p.peerLabel())
	}
}

func (p *Peer) dispatch(msg Message) {
	if reqID, ok := msg.Body["req_id"].(string); ok {
		p.pendingMu.Lock()
		reply, waiting := p.pending[reqID]
		p.pendingMu.Unlock()
		if waiting {
			reply <- msg
			return
		}
	}

	switch msg.Kind {
	case KindHandshake:
		if uri, ok := msg.Body["uri"].(string); ok {
			p.URI = uri
		}
	case KindLookup:
		if p.handlers.OnLookup == nil {
			return
		}
		name, _ := msg.Body["name"].(string)
		uri, entityName, found := p.handlers.OnLookup(name)
		reply := Message{Kind: KindNotFound}
		if found {
			reply = Message{Kind: KindHandle, Body: handleBody(uri, entityName)}
		}
		p.replyTo(msg, reply)
	case KindInstantiate:
		if p.handlers.OnInstantiate == nil {
			return
		}
		name, _ := msg.Body["name"].(string)
		class, _ := msg.Body["class"].(string)
		uri, entityName, err := p.handlers.OnInstantiate(name, class, msg.Body["config"])
		reply := Message{Kind: KindHandle, Body: handleBody(uri, entityName)}
		if err != nil {
			reply = Message{Kind: KindError, Body: map[string]any{"message": err.Error()}}
		}
		p.replyTo(msg, reply)
	case KindLifecycleCmd:
		if p.handlers.OnLifecycleCmd == nil {
			return
		}
		handleName, _ := msg.Body["handle"].(string)
		cmd, _ := msg.Body["cmd"].(string)
		ok, reason := p.handlers.OnLifecycleCmd(handleName, cmd, msg.Body["config"])
		kind := KindAck
		if !ok {
			kind = KindNack
		}
		p.replyTo(msg, Message{Kind: kind, Body: ackBody(ok, reason)})
	case KindBusEvent:
		if p.handlers.OnBusEvent == nil {
			return
		}
		channel, _ := msg.Body["channel"].(string)
		typeID, _ := msg.Body["payload_type_id"].(string)
		// The envelope is YAML-decoded into map[string]any, so the payload
		// bytes come back in whatever generic form yaml.v3 produced.
		var payload []byte
		switch raw := msg.Body["payload"].(type) {
		case []byte:
			payload = raw
		case string:
			payload = []byte(raw)
		case []any:
			payload = make([]byte, len(raw))
			for i, b := range raw {
				n, _ := b.(int)
				payload[i] = byte(n)
			}
		}
		senderURI, _ := msg.Body["sender_uri"].(string)
		senderName, _ := msg.Body["sender_name"].(string)
		p.handlers.OnBusEvent(channel, typeID, payload, senderURI, senderName)
	case KindTopicRequest, KindTopicResp, KindTopicAccept, KindTopicReject, KindTopicRelease:
		if p.handlers.OnTopicMessage != nil {
			p.handlers.OnTopicMessage(msg.Kind, msg.Body)
		}
	case KindInspect:
		if p.handlers.OnInspect == nil {
			return
		}
		states := p.handlers.OnInspect()
		body := make(map[string]any, len(states))
		for k, v := range states {
			body[k] = v
		}
		p.replyTo(msg, Message{Kind: KindInspectReply, Body: body})
	case KindShutdown:
		if p.handlers.OnShutdown != nil {
			p.handlers.OnShutdown()
		}
		p.replyTo(msg, Message{Kind: KindAck, Body: ackBody(true, "")})
	case KindChannelRequest:
		if p.handlers.OnChannelRequest == nil {
			return
		}
		pattern, _ := msg.Body["pattern"].(string)
		p.handlers.OnChannelRequest(p, pattern)
	case KindDisconnect:
		p.Close()
	default:
		racemetrics.TopicProtocolViolations.WithLabelValues("unknown_remote_kind").Inc()
	}
}

func (p *Peer) replyTo(request, reply Message) {
	if reqID, ok := request.Body["req_id"]; ok {
		if reply.Body == nil {
			reply.Body = map[string]any{}
		}
		reply.Body["req_id"] = reqID
	}
	if err := p.Send(reply); err != nil {
		p.log.Warn().Err(err).Msg("failed to send remote reply")
	}
}

// Close idempotently tears down the underlying connection.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// Done is closed once the Peer's connection is gone.
func (p *Peer) Done() <-chan struct{} { return p.closed }
