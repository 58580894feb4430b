package libstem

import (
	"fmt"

	"github.com/pkg/errors"
)

// MessageType mirrors the websocket opcode of a message exchanged with a
// hub. Only data messages reach RemoteStorage; ping, pong and close stay in
// the connection handler chain.
type MessageType byte

const (
	// DataMessage carries one JSON encoded hub Frame.
	DataMessage MessageType = 1
	// CloseError ends the hub session and carries the close code.
	CloseError  MessageType = 8
	PingMessage MessageType = 9
	PongMessage MessageType = 10
)

func (t MessageType) Is(other MessageType) bool {
	return t == other
}

func (t MessageType) IsData() bool {
	return t.Is(DataMessage)
}

func (t MessageType) IsPing() bool {
	return t.Is(PingMessage)
}

func (t MessageType) IsPong() bool {
	return t.Is(PongMessage)
}

func (t MessageType) IsClose() bool {
	return t.Is(CloseError)
}

// Message is what the connection handlers pass between a RemoteStorage and
// its hub. The payload of a data message is a Frame such as set, ack,
// mutation, snapshot or error; control messages keep the session alive or
// close it.
type Message interface {
	Type() MessageType
	Data() []byte
	String() string
}

// ErrorMessage is a close message surfaced as the reason a hub session
// ended.
type ErrorMessage interface {
	Message
	Error() string
}

type message struct {
	MessageType MessageType
	MessageData []byte
}

func (m message) Type() MessageType {
	return m.MessageType
}

func (m message) Data() []byte {
	return m.MessageData
}

func (m message) String() string {
	return fmt.Sprintf("HubMessage{type=%d,data=%s}",
		m.MessageType, m.MessageData)
}

type closeMessage struct {
	message
	Code int
}

func (m closeMessage) String() string {
	return fmt.Sprintf("HubMessage{type=%d,code=%d,data=%s}",
		m.message.Type(), m.Code, m.message.Data())
}

func (m closeMessage) Error() string {
	return m.String()
}

func NewMessage(mt MessageType, data []byte) Message {
	return message{MessageType: mt, MessageData: data}
}

func NewDataMessage(data []byte) Message {
	return NewMessage(DataMessage, data)
}

func NewPingMessage(data []byte) Message {
	return NewMessage(PingMessage, data)
}

func NewPongMessage(data []byte) Message {
	return NewMessage(PongMessage, data)
}

func NewCloseMessage(code int, data []byte) ErrorMessage {
	return closeMessage{
		message: message{MessageType: CloseError, MessageData: data},
		Code:    code,
	}
}

// NewFrameMessage encodes f into the data message sent to or from a hub.
func NewFrameMessage(f Frame) (Message, error) {
	bts, err := f.Encode()
	if err != nil {
		return nil, err
	}
	return NewDataMessage(bts), nil
}

// FrameOf decodes the hub frame carried by a data message.
func FrameOf(m Message) (Frame, error) {
	if !m.Type().IsData() {
		return Frame{}, errors.Wrapf(ErrInvalidFrame, "message type %d carries no frame", m.Type())
	}
	return DecodeFrame(m.Data())
}
