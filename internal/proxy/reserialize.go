package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/mealhub/gateway/internal/middleware/bodyparser"
)

// Encoded is a re-serialized request body.
type Encoded struct {
	Data        []byte
	ContentType string // "" keeps the client's header
}

// Reserialize encodes a parsed body for the upstream. ok is false when the
// original bytes should be forwarded instead: for methods other than POST,
// PUT and PATCH, for bodies that were not parsed, and for empty ones.
func Reserialize(method string, body *bodyparser.Body) (enc Encoded, ok bool, err error) {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return Encoded{}, false, nil
	}
	if body.IsEmpty() {
		return Encoded{}, false, nil
	}

	switch body.Kind {
	case bodyparser.KindJSON:
		var buf bytes.Buffer
		e := json.NewEncoder(&buf)
		e.SetEscapeHTML(false)
		if err := e.Encode(body.Value); err != nil {
			return Encoded{}, false, err
		}
		return Encoded{
			Data:        bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}),
			ContentType: "application/json",
		}, true, nil
	case bodyparser.KindForm:
		return Encoded{Data: []byte(body.Form.Encode())}, true, nil
	}
	return Encoded{}, false, nil
}
