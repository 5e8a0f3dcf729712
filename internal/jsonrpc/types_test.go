package jsonrpc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SingleLine(t *testing.T) {
	line, err := Encode(NewRequest(7, "resources.read", map[string]any{"uri": "pokemon://data/pikachu"}))
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"method":"resources.read","params":{"uri":"pokemon://data/pikachu"}}`, string(line[:len(line)-1]))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantID       int64
		wantNotif    string
		wantProtoErr bool
		wantRemote   bool
	}{
		{name: "result", line: `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, wantID: 1},
		{name: "error", line: `{"jsonrpc":"2.0","id":2,"error":{"message":"unknown pokemon"}}`, wantID: 2, wantRemote: true},
		{name: "notification", line: `{"jsonrpc":"2.0","method":"notifications/progress"}`, wantNotif: "notifications/progress"},
		{name: "garbage", line: `not json at all`, wantProtoErr: true},
		{name: "both result and error", line: `{"id":3,"result":1,"error":{"message":"x"}}`, wantProtoErr: true},
		{name: "neither result nor error", line: `{"id":4}`, wantProtoErr: true},
		{name: "string id", line: `{"id":"abc","result":1}`, wantProtoErr: true},
		{name: "empty object", line: `{}`, wantProtoErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if tt.wantProtoErr {
				var pe *ProtocolError
				require.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			if tt.wantNotif != "" {
				assert.Nil(t, msg.Response)
				assert.Equal(t, tt.wantNotif, msg.Notification)
				return
			}
			require.NotNil(t, msg.Response)
			assert.Equal(t, tt.wantID, msg.Response.ID)
			assert.Equal(t, tt.wantRemote, msg.Response.Error != nil)
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "ok", Kind(nil))
	assert.Equal(t, "remote", Kind(fmt.Errorf("wrapped: %w", &RemoteError{Message: "unknown pokemon"})))
	assert.Equal(t, "timeout", Kind(&TimeoutError{ID: 1, Method: "tools.call", After: time.Second}))
	assert.Equal(t, "closed", Kind(fmt.Errorf("await: %w", ErrConnectionClosed)))
	assert.Equal(t, "transport", Kind(&TransportError{Op: "write", Err: errors.New("broken pipe")}))
	assert.Equal(t, "protocol", Kind(&ProtocolError{Err: errors.New("bad")}))
	assert.Equal(t, "other", Kind(errors.New("boom")))
}

func TestRemoteErrorMessage(t *testing.T) {
	e := (&Error{Message: "unknown pokemon"}).AsRemoteError()
	assert.Equal(t, "remote error: unknown pokemon", e.Error())

	e = (&Error{Code: -32601, Message: "Method not found"}).AsRemoteError()
	assert.Equal(t, "remote error -32601: Method not found", e.Error())

	var nilErr *Error
	assert.Nil(t, nilErr.AsRemoteError())
}
