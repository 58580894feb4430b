package libstem

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Packet is the value written to shared storage on every Emit. UID only makes
// consecutive writes distinct; it carries no ordering meaning.
type Packet struct {
	UID  string `json:"uid"`
	Args Args   `json:"args"`
}

type outgoingPacket struct {
	UID  string `json:"uid"`
	Args []any  `json:"args"`
}

// Args are the JSON encoded arguments of an emit, in call order.
type Args []jsoniter.RawMessage

func (a Args) Len() int { return len(a) }

// Raw returns the JSON text of the i-th argument, nil when out of range.
func (a Args) Raw(i int) jsoniter.RawMessage {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

var jsonNull = jsoniter.RawMessage("null")

// Decode unmarshals the i-th argument into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return errors.Wrapf(ErrArgIndex, "%d of %d", i, len(a))
	}
	if len(a[i]) == 0 {
		return json.Unmarshal(jsonNull, v)
	}
	return json.Unmarshal(a[i], v)
}

func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

func (a Args) Float(i int) (float64, error) {
	var f float64
	err := a.Decode(i, &f)
	return f, err
}

// Values decodes every argument into its generic JSON representation.
func (a Args) Values() ([]any, error) {
	values := make([]any, len(a))
	for i := range a {
		if err := a.Decode(i, &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// newUID returns "<unix millis><random fraction>", e.g. "17296531234560.4231".
func newUID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) +
		strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
}

func encodePacket(uid string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}

	bts, err := json.Marshal(outgoingPacket{UID: uid, Args: args})
	if err != nil {
		return "", errors.Wrap(ErrEncodePacket, err.Error())
	}

	return string(bts), nil
}

func decodePacket(key, raw string) (Packet, error) {
	var p Packet

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return p, wrapParseError(key, ErrEmptyPacket)
	}

	if err := json.UnmarshalFromString(trimmed, &p); err != nil {
		return p, wrapParseError(key, err)
	}

	if p.Args == nil {
		p.Args = Args{}
	}
	// jsoniter leaves a null element as an empty RawMessage
	for i, arg := range p.Args {
		if len(arg) == 0 {
			p.Args[i] = jsonNull
		}
	}

	return p, nil
}
