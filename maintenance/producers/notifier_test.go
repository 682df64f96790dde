// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/caretaker/maintenance/api"
)

type stubJetStream struct {
	mu       sync.Mutex
	messages []*nats.Msg
	err      error
	notify   chan struct{}
}

func (s *stubJetStream) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		if s.notify != nil {
			close(s.notify)
			s.notify = nil
		}
		return nil, s.err
	}
	s.messages = append(s.messages, msg)
	if s.notify != nil {
		close(s.notify)
		s.notify = nil
	}
	return &nats.PubAck{}, nil
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never happened")
	}
}

func TestNotifyModeChange(t *testing.T) {
	published := make(chan struct{})
	js := &stubJetStream{notify: published}
	n := &Notifier{ModeTopic: "caretaker.mode", EmergencyTopic: "caretaker.emergency", JetStream: js}

	oldStatus := &api.Status{Mode: api.ModeInactive}
	newStatus := &api.Status{Mode: api.ModeNormal, Reason: "window", TriggeredBy: "@admin", Version: 1}
	n.NotifyModeChange(oldStatus, newStatus)
	waitFor(t, published)

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.messages, 1)
	msg := js.messages[0]
	assert.Equal(t, "caretaker.mode", msg.Subject)

	var payload modeChangePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, api.ModeInactive, payload.OldMode)
	assert.Equal(t, api.ModeNormal, payload.NewMode)
	assert.Equal(t, "window", payload.Reason)
	assert.Equal(t, uint64(1), payload.Version)
}

func TestNotifyEmergency(t *testing.T) {
	published := make(chan struct{})
	js := &stubJetStream{notify: published}
	n := &Notifier{ModeTopic: "caretaker.mode", EmergencyTopic: "caretaker.emergency", JetStream: js}

	n.NotifyEmergency(&api.EmergencyEvent{EventID: "e1", Reason: "incident"})
	waitFor(t, published)

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.messages, 1)
	assert.Equal(t, "caretaker.emergency", js.messages[0].Subject)

	var event api.EmergencyEvent
	require.NoError(t, json.Unmarshal(js.messages[0].Data, &event))
	assert.Equal(t, "e1", event.EventID)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	published := make(chan struct{})
	js := &stubJetStream{err: errors.New("no responders"), notify: published}
	n := &Notifier{ModeTopic: "caretaker.mode", EmergencyTopic: "caretaker.emergency", JetStream: js}

	// Must not panic or block the caller.
	n.NotifyModeChange(&api.Status{Mode: api.ModeInactive}, &api.Status{Mode: api.ModeNormal, Version: 1})
	waitFor(t, published)
}
