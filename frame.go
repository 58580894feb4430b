package libstem

import "github.com/pkg/errors"

type FrameOp string

const (
	// OpSet asks the hub to store Value at Key. Client to hub.
	OpSet FrameOp = "set"
	// OpMutation reports the current Value at Key after a change. Hub to client.
	OpMutation FrameOp = "mutation"
	// OpSnapshot carries every entry of the scope. Sent by the hub when a
	// session starts.
	OpSnapshot FrameOp = "snapshot"
	// OpAck confirms that the set frame with the same ID was stored. Hub to
	// client.
	OpAck FrameOp = "ack"
	// OpError reports a rejected frame, carrying the frame's ID when it had
	// one. Hub to client.
	OpError FrameOp = "error"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the JSON envelope exchanged with a hub.
type Frame struct {
	Op      FrameOp           `json:"op"`
	// ID correlates a set frame with its ack or error reply.
	ID      string            `json:"id,omitempty"`
	Key     string            `json:"key,omitempty"`
	Value   string            `json:"value,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
	Entries map[string]string `json:"entries,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(bts []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(bts, &f); err != nil {
		return f, errors.Wrap(ErrInvalidFrame, err.Error())
	}

	switch f.Op {
	case OpSet, OpMutation:
		if f.Key == "" {
			return f, errors.Wrapf(ErrInvalidFrame, "%s without key", f.Op)
		}
	case OpAck:
		if f.ID == "" {
			return f, errors.Wrap(ErrInvalidFrame, "ack without id")
		}
	case OpSnapshot, OpError:
	default:
		return f, errors.Wrapf(ErrInvalidFrame, "unknown op %q", f.Op)
	}

	return f, nil
}
