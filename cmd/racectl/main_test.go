package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/race"
	"github.com/cuemby/race/racebus"
)

func TestFatalSinkForwardsClassifiedErrors(t *testing.T) {
	ch := make(chan *race.Error, 1)
	sink := fatalSink{ch: ch}

	classified := race.NewError(race.ErrClassLifecycle, "boom", nil)
	ok := sink.Send(racebus.BusEvent{Channel: race.ErrorsChannel, Payload: classified})
	require.True(t, ok)

	select {
	case got := <-ch:
		assert.Equal(t, classified, got)
	default:
		t.Fatal("expected fatalSink to forward the classified error")
	}
}

func TestFatalSinkIgnoresUnrelatedPayloads(t *testing.T) {
	ch := make(chan *race.Error, 1)
	sink := fatalSink{ch: ch}

	ok := sink.Send(racebus.BusEvent{Channel: "/unrelated", Payload: "not an error"})
	require.True(t, ok)

	select {
	case <-ch:
		t.Fatal("fatalSink should not forward unrelated payloads")
	default:
	}
}
