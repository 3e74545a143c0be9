package raceremote

import "gopkg.in/yaml.v3"

// Kind discriminates a Message on the wire: the set spec.md §6 names,
// the CLI-surface kinds its "CLI surface" paragraph implies without
// enumerating (INSPECT, INSPECT_REPLY, SHUTDOWN), and CHANNEL_REQUEST,
// which asks a peer to forward local publishes matching a pattern.
type Kind string

const (
	KindHandshake    Kind = "HANDSHAKE"
	KindLookup       Kind = "LOOKUP"
	KindHandle       Kind = "HANDLE"
	KindNotFound     Kind = "NOT_FOUND"
	KindInstantiate  Kind = "INSTANTIATE"
	KindError        Kind = "ERROR"
	KindLifecycleCmd Kind = "LIFECYCLE_CMD"
	KindAck          Kind = "ACK"
	KindNack         Kind = "NACK"
	KindBusEvent     Kind = "BUS_EVENT"
	KindTopicRequest Kind = "TOPIC_REQUEST"
	KindTopicResp    Kind = "TOPIC_RESPONSE"
	KindTopicAccept  Kind = "TOPIC_ACCEPT"
	KindTopicReject  Kind = "TOPIC_REJECT"
	KindTopicRelease Kind = "TOPIC_RELEASE"
	KindDisconnect   Kind = "DISCONNECT"
	KindInspect        Kind = "INSPECT"
	KindInspectReply   Kind = "INSPECT_REPLY"
	KindShutdown       Kind = "SHUTDOWN"
	KindChannelRequest Kind = "CHANNEL_REQUEST"
)

// Message is the envelope exchanged between two Runtimes' Remote
// connectors. Body holds the kind-specific fields; it is marshaled with
// yaml.v3 as a convenience codec for the control-plane envelope itself
// (distinct from the per-application-payload Registry used for
// BUS_EVENT payload bytes).
type Message struct {
	Kind Kind           `yaml:"kind"`
	Body map[string]any `yaml:"body"`
}

func encodeMessage(m Message) ([]byte, error) {
	return yaml.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := yaml.Unmarshal(data, &m)
	return m, err
}

// Handshake fields.
func handshakeBody(uri, runtimeName string) map[string]any {
	return map[string]any{"uri": uri, "runtime_name": runtimeName}
}

// Lookup/Instantiate fields.
func lookupBody(name string) map[string]any { return map[string]any{"name": name} }

func instantiateBody(name, class string, config any) map[string]any {
	return map[string]any{"name": name, "class": class, "config": config}
}

func handleBody(uri, name string) map[string]any {
	return map[string]any{"uri": uri, "name": name}
}

// LifecycleCmd fields.
func lifecycleCmdBody(handleID, cmd string, config any) map[string]any {
	return map[string]any{"handle": handleID, "cmd": cmd, "config": config}
}

func ackBody(ok bool, reason string) map[string]any {
	return map[string]any{"ok": ok, "reason": reason}
}

// BusEvent fields. The payload bytes are placed in the body as a []byte
// and encoded by yaml.v3 along with the rest of the envelope, so the
// whole envelope remains one yaml.v3 document; the receiving Peer turns
// the decoded value back into bytes. Codecs operate on the inner bytes
// independently of the envelope's own encoding.
func busEventBody(channel string, payloadTypeID string, payload []byte, senderURI, senderName string) map[string]any {
	return map[string]any{
		"channel":         channel,
		"payload_type_id": payloadTypeID,
		"payload":         payload,
		"sender_uri":      senderURI,
		"sender_name":     senderName,
	}
}

// ChannelRequest fields: a Runtime hosting a proxy Entity for a remote
// location asks that location's Remote connector to forward every local
// publish matching pattern, per spec.md §6's deployment modes.
func channelRequestBody(pattern string) map[string]any {
	return map[string]any{"pattern": pattern}
}

// Topic protocol fields.
func topicBody(correlationID, channel, key, subscriberURI, subscriberName string) map[string]any {
	return map[string]any{
		"correlation_id":  correlationID,
		"channel":         channel,
		"key":             key,
		"subscriber_uri":  subscriberURI,
		"subscriber_name": subscriberName,
	}
}
