package raceremote

import (
	"fmt"
	"reflect"
	"sync"

	"gopkg.in/yaml.v3"
)

// Codec serializes and deserializes one payload type for wire transport.
// Entity authors register a Codec per application payload type; there is
// intentionally no generic reflection-based fallback (see the design
// notes on why: an unregistered type is a configuration error the
// sender should see immediately, not a silent best-effort encoding).
type Codec interface {
	Write(payload any) ([]byte, error)
	Read(data []byte) (any, error)
}

// yamlCodec is the default Codec offered for convenience: it marshals
// through gopkg.in/yaml.v3 into a pointer of the registered sample's
// type. Suitable for plain data-holder payload structs.
type yamlCodec struct {
	newPayload func() any
}

func (c *yamlCodec) Write(payload any) ([]byte, error) {
	return yaml.Marshal(payload)
}

func (c *yamlCodec) Read(data []byte) (any, error) {
	target := c.newPayload()
	if err := yaml.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

// Registry maps a payload type identifier (an application-chosen
// string, stable across processes) to the Codec responsible for it.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	byType map[reflect.Type]string
}

// NewRegistry creates an empty codec Registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec), byType: make(map[reflect.Type]string)}
}

// Register associates typeID with codec. Re-registering the same typeID
// replaces the previous Codec.
func (r *Registry) Register(typeID string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[typeID] = codec
}

// RegisterYAML registers the default yaml.v3-backed Codec for typeID.
// newPayload must return a fresh pointer of the payload's Go type on
// each call, e.g. `func() any { return new(MyPayload) }`. It also
// records the payload's Go type so TypeIDFor can recover typeID from an
// outgoing payload value without the caller naming it again.
func (r *Registry) RegisterYAML(typeID string, newPayload func() any) {
	r.Register(typeID, &yamlCodec{newPayload: newPayload})

	t := reflect.TypeOf(newPayload())
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	r.byType[t] = typeID
	r.mu.Unlock()
}

// Lookup returns the Codec for typeID, or false if unregistered — the
// caller must treat that as a serialization failure, never silently
// skip the event.
func (r *Registry) Lookup(typeID string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[typeID]
	return c, ok
}

// TypeIDFor recovers the registered type identifier for an outgoing
// payload value by its Go type, or false if nothing was registered for
// that type.
func (r *Registry) TypeIDFor(payload any) (string, bool) {
	t := reflect.TypeOf(payload)
	if t == nil {
		return "", false
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byType[t]
	return id, ok
}

// ErrUnregisteredType classifies a Serialization failure: the payload
// type identifier has no registered Codec.
type ErrUnregisteredType struct {
	TypeID string
}

func (e *ErrUnregisteredType) Error() string {
	return fmt.Sprintf("raceremote: no codec registered for payload type %q", e.TypeID)
}
