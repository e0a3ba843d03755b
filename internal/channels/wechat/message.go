// Package wechat implements the WeChat Official Account webhook channel:
// inbound XML decoding, signature checks, passive text replies and the
// customer-service push API used for out-of-band delivery.
package wechat

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Kind is the closed set of inbound message shapes.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEvent:
		return "event"
	default:
		return "unsupported"
	}
}

// EventKind is the closed set of events the channel reacts to.
type EventKind int

const (
	EventOther EventKind = iota
	EventSubscribe
	EventUnsubscribe
	EventClick
)

func (e EventKind) String() string {
	switch e {
	case EventSubscribe:
		return "subscribe"
	case EventUnsubscribe:
		return "unsubscribe"
	case EventClick:
		return "click"
	default:
		return "other"
	}
}

// Message is one decoded inbound message. Only the fields of its Kind are
// meaningful: Content for KindText, Event/EventKey for KindEvent, RawType
// for KindUnsupported.
type Message struct {
	Kind       Kind
	MsgID      string
	FromUser   string // sender openid
	ToUser     string // official account id
	CreateTime int64
	Content    string
	Event      EventKind
	EventKey   string
	RawType    string
}

type rawMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

// Decode parses a plaintext webhook body.
func Decode(body []byte) (Message, error) {
	var raw rawMessage
	if err := xml.Unmarshal(body, &raw); err != nil {
		return Message{}, fmt.Errorf("decode xml: %w", err)
	}
	if raw.FromUserName == "" || raw.MsgType == "" {
		return Message{}, fmt.Errorf("decode xml: missing FromUserName or MsgType")
	}

	msg := Message{
		MsgID:      raw.MsgID,
		FromUser:   raw.FromUserName,
		ToUser:     raw.ToUserName,
		CreateTime: raw.CreateTime,
		RawType:    raw.MsgType,
	}
	switch raw.MsgType {
	case "text":
		msg.Kind = KindText
		msg.Content = raw.Content
	case "event":
		msg.Kind = KindEvent
		msg.Event = parseEvent(raw.Event)
		msg.EventKey = raw.EventKey
		// events carry no MsgId; sender, time, event and key identify a retry
		if msg.MsgID == "" {
			msg.MsgID = fmt.Sprintf("%s:%d:%s:%s", raw.FromUserName, raw.CreateTime, raw.Event, raw.EventKey)
		}
	default:
		msg.Kind = KindUnsupported
	}
	return msg, nil
}

func parseEvent(s string) EventKind {
	switch strings.ToLower(s) {
	case "subscribe":
		return EventSubscribe
	case "unsubscribe":
		return EventUnsubscribe
	case "click":
		return EventClick
	default:
		return EventOther
	}
}
