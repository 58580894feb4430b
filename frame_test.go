package libstem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeOmitsEmptyFields(t *testing.T) {
	bts, err := Frame{Op: OpSet, Key: "k", Value: "v"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"set","key":"k","value":"v"}`, string(bts))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Frame
		wantErr bool
	}{
		{
			name: "set",
			raw:  `{"op":"set","key":"k","value":"v"}`,
			want: Frame{Op: OpSet, Key: "k", Value: "v"},
		},
		{
			name: "deleted mutation",
			raw:  `{"op":"mutation","key":"k","deleted":true}`,
			want: Frame{Op: OpMutation, Key: "k", Deleted: true},
		},
		{
			name: "snapshot",
			raw:  `{"op":"snapshot","entries":{"a":"1"}}`,
			want: Frame{Op: OpSnapshot, Entries: map[string]string{"a": "1"}},
		},
		{
			name: "empty snapshot",
			raw:  `{"op":"snapshot"}`,
			want: Frame{Op: OpSnapshot},
		},
		{
			name: "set with id",
			raw:  `{"op":"set","id":"7","key":"k","value":"v"}`,
			want: Frame{Op: OpSet, ID: "7", Key: "k", Value: "v"},
		},
		{
			name: "ack",
			raw:  `{"op":"ack","id":"7","key":"k"}`,
			want: Frame{Op: OpAck, ID: "7", Key: "k"},
		},
		{
			name: "keyed error",
			raw:  `{"op":"error","id":"7","key":"k","error":"rate limit exceeded"}`,
			want: Frame{Op: OpError, ID: "7", Key: "k", Error: "rate limit exceeded"},
		},
		{name: "ack without id", raw: `{"op":"ack","key":"k"}`, wantErr: true},
		{name: "set without key", raw: `{"op":"set","value":"v"}`, wantErr: true},
		{name: "unknown op", raw: `{"op":"delete","key":"k"}`, wantErr: true},
		{name: "garbage", raw: `{"op":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestNewFrameMessage(t *testing.T) {
	m, err := NewFrameMessage(Frame{Op: OpError, Error: "boom"})
	require.NoError(t, err)
	assert.True(t, m.Type().IsData())

	f, err := DecodeFrame(m.Data())
	require.NoError(t, err)
	assert.Equal(t, "boom", f.Error)
}

func TestFrameOf(t *testing.T) {
	m, err := NewFrameMessage(Frame{Op: OpAck, ID: "3", Key: "k"})
	require.NoError(t, err)

	f, err := FrameOf(m)
	require.NoError(t, err)
	assert.Equal(t, Frame{Op: OpAck, ID: "3", Key: "k"}, f)

	_, err = FrameOf(NewPingMessage(nil))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
