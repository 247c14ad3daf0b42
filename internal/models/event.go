package models

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType discriminates broadcast interaction events.
type EventType string

const (
	EventGift         EventType = "gift"
	EventComment      EventType = "comment"
	EventLike         EventType = "like"
	EventFollow       EventType = "follow"
	EventShare        EventType = "share"
	EventViewerUpdate EventType = "viewer_update"
)

// ErrUnknownEventType is returned when a payload carries no recognized type discriminator.
var ErrUnknownEventType = errors.New("unknown event type")

// UnknownUsername is substituted when a payload omits the sender's name.
const UnknownUsername = "Unknown"

// Event is one decoded broadcast interaction. Exactly one of the variant
// pointers matching Type is set; the others are nil. Critical marks the event
// as hardware-trigger-eligible (caller-supplied, never inferred here).
type Event struct {
	Type      EventType       `json:"type"`
	Username  string          `json:"username"`
	Timestamp time.Time       `json:"timestamp"`
	Critical  bool            `json:"critical,omitempty"`
	Gift      *GiftInfo       `json:"gift,omitempty"`
	Comment   *CommentInfo    `json:"comment,omitempty"`
	Like      *LikeInfo       `json:"like,omitempty"`
	Viewer    *ViewerInfo     `json:"viewer,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// GiftInfo carries gift-specific fields.
type GiftInfo struct {
	Name         string `json:"name"`
	Count        int    `json:"count"`
	DiamondValue int    `json:"diamond_value"`
}

// CommentInfo carries the comment text.
type CommentInfo struct {
	Text string `json:"text"`
}

// LikeInfo carries the like burst size.
type LikeInfo struct {
	Count int `json:"count"`
}

// ViewerInfo carries the reported viewer count.
type ViewerInfo struct {
	Count int `json:"count"`
}

// eventPayload is the wire shape sent by the broadcast client. Variant fields
// arrive flattened alongside the discriminator.
type eventPayload struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	Nickname     string `json:"nickname"`
	Critical     bool   `json:"critical"`
	GiftName     string `json:"gift_name"`
	Count        int    `json:"count"`
	DiamondValue int    `json:"diamond_value"`
	Text         string `json:"text"`
	ViewerCount  int    `json:"viewer_count"`
}

// DecodeEvent parses a raw broadcast payload into an Event, resolving missing
// fields with safe defaults (missing username -> "Unknown", missing counts -> 0,
// zero gift count -> 1). Only an absent or unrecognized type discriminator is
// an error; the raw payload is retained for room-id detection.
func DecodeEvent(raw []byte, now time.Time) (*Event, error) {
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	username := p.Username
	if username == "" {
		username = p.Nickname
	}
	if username == "" {
		username = UnknownUsername
	}
	ev := &Event{
		Type:      EventType(p.Type),
		Username:  username,
		Timestamp: now,
		Critical:  p.Critical,
		Raw:       raw,
	}
	switch ev.Type {
	case EventGift:
		count := p.Count
		if count <= 0 {
			count = 1
		}
		diamond := p.DiamondValue
		if diamond < 0 {
			diamond = 0
		}
		ev.Gift = &GiftInfo{Name: p.GiftName, Count: count, DiamondValue: diamond}
	case EventComment:
		ev.Comment = &CommentInfo{Text: p.Text}
	case EventLike:
		count := p.Count
		if count <= 0 {
			count = 1
		}
		ev.Like = &LikeInfo{Count: count}
	case EventFollow, EventShare:
		// no extra fields
	case EventViewerUpdate:
		count := p.ViewerCount
		if count < 0 {
			count = 0
		}
		ev.Viewer = &ViewerInfo{Count: count}
	default:
		return nil, ErrUnknownEventType
	}
	return ev, nil
}

// GiftValue returns the diamond value contributed by this event (count x unit value).
func (e *Event) GiftValue() int64 {
	if e.Gift == nil {
		return 0
	}
	return int64(e.Gift.Count) * int64(e.Gift.DiamondValue)
}
