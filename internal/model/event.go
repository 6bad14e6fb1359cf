// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Channel identifies the capture source that produced a RawEvent.
type Channel string

// Capture channel constants.
const (
	ChannelNotification Channel = "notification"
	ChannelSMS          Channel = "sms"
	ChannelAppWrite     Channel = "app-write"
	ChannelScreenText   Channel = "screen-text"
)

// Valid reports whether the channel is one of the supported capture sources.
func (c Channel) Valid() bool {
	switch c {
	case ChannelNotification, ChannelSMS, ChannelAppWrite, ChannelScreenText:
		return true
	}
	return false
}

// RawEventStatus tracks what the pipeline did with a captured event.
type RawEventStatus string

// Raw event status constants.
const (
	EventPending   RawEventStatus = "PENDING"
	EventMatched   RawEventStatus = "MATCHED"
	EventUnmatched RawEventStatus = "UNMATCHED"
	EventFailed    RawEventStatus = "FAILED"
)

// RawEvent is one immutable capture of a transaction fragment from a single
// source. It is created once per capture and never mutated; BillRecord lineage
// references events by ID.
type RawEvent struct {
	CapturedAt time.Time
	ID         string
	App        string
	Channel    Channel
	Payload    string
	Digest     string
	Status     RawEventStatus
}

// ComputeDigest returns the content digest used for verbatim-redelivery
// detection. Two captures of the same bytes from the same app and channel
// collapse to one digest.
func ComputeDigest(app string, channel Channel, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", app, channel, payload)))
	return fmt.Sprintf("%x", sum)
}
