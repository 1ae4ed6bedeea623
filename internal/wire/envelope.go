// Package wire is the pure, stateless CDP codec (component C1). It turns a
// method, a session and a set of params into a *cdproto.Message ready to
// send, and turns an inbound *cdproto.Message back into either a typed
// command reply or a typed event value, using cdproto's own generated
// (un)marshalers. It holds no connection state and spawns no goroutines.
package wire

import (
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var emptyParams = easyjson.RawMessage([]byte(`{}`))

// EncodeCommand builds the wire message for a CDP command invocation. id
// must be unique among in-flight commands on the connection; sessionID is
// empty for browser-level commands.
func EncodeCommand(id int64, method cdproto.MethodType, sessionID target.SessionID, params easyjson.Marshaler) (*cdproto.Message, error) {
	raw := emptyParams
	if params != nil {
		b, err := easyjson.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &cdproto.Message{
		ID:        id,
		Method:    method,
		SessionID: sessionID,
		Params:    raw,
	}, nil
}

// Marshal serializes msg into buf using a reused easyjson writer, avoiding
// an intermediate []byte allocation per frame.
func Marshal(msg *cdproto.Message) ([]byte, error) {
	w := jwriter.Writer{}
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, w.Error
	}
	return w.BuildBytes()
}

// Unmarshal decodes a raw frame into msg using a reused easyjson lexer.
func Unmarshal(data []byte, msg *cdproto.Message) error {
	l := jlexer.Lexer{Data: data}
	msg.UnmarshalEasyJSON(&l)
	return l.Error()
}

// IsReply reports whether msg is a command reply (as opposed to an event).
func IsReply(msg *cdproto.Message) bool { return msg.ID != 0 }

// DecodeEvent unmarshals an event message's params into its generated event
// type via cdproto.UnmarshalMessage, e.g. *page.EventFrameNavigated.
func DecodeEvent(msg *cdproto.Message) (interface{}, error) {
	if msg.Method == "" {
		return nil, fmt.Errorf("wire: message has no method")
	}
	v, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if err == cdp.ErrUnknownCommandOrEvent(string(msg.Method)) {
			return nil, fmt.Errorf("wire: %w", err)
		}
		return nil, fmt.Errorf("wire: decode event %s: %w", msg.Method, err)
	}
	return v, nil
}

// ProtocolError extracts the CDP error carried by a command reply, if any.
func ProtocolError(msg *cdproto.Message) *cdproto.Error {
	return msg.Error
}
