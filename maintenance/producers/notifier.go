// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/caretaker/maintenance/api"
)

// JetStreamPublisher is the subset of the JetStream context the notifier
// needs; tests substitute a stub.
type JetStreamPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Notifier publishes maintenance notifications to NATS. Publishing is
// fire-and-forget: failures are logged and never propagated to the
// triggering transition.
type Notifier struct {
	ModeTopic      string
	EmergencyTopic string
	JetStream      JetStreamPublisher
}

// modeChangePayload is the wire shape of a mode change notification.
type modeChangePayload struct {
	OldMode     api.Mode  `json:"old_mode"`
	NewMode     api.Mode  `json:"new_mode"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	Version     uint64    `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NotifyModeChange publishes a transition notification. Shaped as a
// state.TransitionListener, so it can be registered directly; the publish
// itself happens on a goroutine to keep the commit path non-blocking.
func (n *Notifier) NotifyModeChange(oldStatus, newStatus *api.Status) {
	payload := modeChangePayload{
		OldMode:     oldStatus.Mode,
		NewMode:     newStatus.Mode,
		Reason:      newStatus.Reason,
		TriggeredBy: newStatus.TriggeredBy,
		Version:     newStatus.Version,
		OccurredAt:  time.Now().UTC(),
	}
	go n.publish(n.ModeTopic, payload)
}

// NotifyEmergency publishes the audit event for an emergency activation.
func (n *Notifier) NotifyEmergency(event *api.EmergencyEvent) {
	go n.publish(n.EmergencyTopic, event)
}

func (n *Notifier) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Error("Failed to marshal notification")
		return
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	if _, err := n.JetStream.PublishMsg(msg); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("Failed to publish notification")
	}
}
