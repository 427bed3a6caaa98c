package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSendPostsJSONWithBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "op", "secret")
	wh.Send(context.Background(), map[string]any{"action": "ENTRY_FILLED"})

	if !gotOK || gotUser != "op" || gotPass != "secret" {
		t.Fatalf("expected basic auth op/secret, got ok=%v user=%s pass=%s", gotOK, gotUser, gotPass)
	}
	if gotBody["action"] != "ENTRY_FILLED" {
		t.Fatalf("expected action field to round-trip, got %v", gotBody)
	}
}

func TestWebhookSendNoURLIsNoOp(t *testing.T) {
	wh := NewWebhook("", "", "")
	wh.Send(context.Background(), map[string]any{"action": "X"}) // must not panic
}

func TestWebhookSendSwallowsTransportError(t *testing.T) {
	wh := NewWebhook("http://127.0.0.1:0", "", "")
	wh.Send(context.Background(), map[string]any{"action": "X"}) // must not panic or block
}
