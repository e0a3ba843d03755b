package wechat

import (
	"encoding/xml"
	"time"
)

type cdata struct {
	Text string `xml:",cdata"`
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// TextReply renders the passive reply envelope for msg. An empty content
// yields nil: the gateway treats an empty 200 body as "no reply".
func TextReply(msg Message, content string, now time.Time) ([]byte, error) {
	if content == "" {
		return nil, nil
	}
	return xml.Marshal(textReply{
		ToUserName:   cdata{msg.FromUser},
		FromUserName: cdata{msg.ToUser},
		CreateTime:   now.Unix(),
		MsgType:      cdata{"text"},
		Content:      cdata{content},
	})
}
