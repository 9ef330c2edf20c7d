package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantReq  bool
	}{
		{"valid", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t1"}}`, 0, true},
		{"no params", `{"jsonrpc":"2.0","id":"a","method":"tasks/get"}`, 0, true},
		{"garbage", `{not json`, ParseError, false},
		{"empty body", ``, ParseError, false},
		{"array body", `[1,2]`, InvalidRequest, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, InvalidRequest, true},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, InvalidRequest, true},
		{"params not object", `{"jsonrpc":"2.0","id":1,"method":"x","params":[1]}`, InvalidParams, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := ParseRequest([]byte(tt.body))
			if tt.wantCode == 0 {
				require.Nil(t, rpcErr)
			} else {
				require.NotNil(t, rpcErr)
				assert.Equal(t, tt.wantCode, rpcErr.Code)
			}
			assert.Equal(t, tt.wantReq, req != nil)
		})
	}
}

func TestDecodeParams(t *testing.T) {
	req, rpcErr := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"x","params":{"id":"t1"}}`))
	require.Nil(t, rpcErr)

	var p struct {
		ID string `json:"id"`
	}
	require.Nil(t, req.DecodeParams(&p))
	assert.Equal(t, "t1", p.ID)

	var wrong struct {
		ID int `json:"id"`
	}
	rpcErr = req.DecodeParams(&wrong)
	require.NotNil(t, rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)

	empty := &Request{JSONRPC: Version, Method: "x"}
	rpcErr = empty.DecodeParams(&p)
	require.NotNil(t, rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

func TestResponseEncoding(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(7, NewError(MethodNotFound, "nope")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, string(b))

	b, err = json.Marshal(NewResponse("x", map[string]string{"ok": "yes"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"x","result":{"ok":"yes"}}`, string(b))
}

func TestNewRequestAndIDs(t *testing.T) {
	var ids IDGenerator
	req, err := NewRequest(ids.Next(), "message/send", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "1", req.ID)
	assert.JSONEq(t, `{"a":1}`, string(req.Params))
	assert.Equal(t, "2", ids.Next())
	assert.False(t, req.IsNotification())
}
