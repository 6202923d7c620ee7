package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ChatServer is an OpenAI-compatible chat completions endpoint that answers
// with a fixed sequence of assistant messages.
type ChatServer struct {
	*httptest.Server

	mu       sync.Mutex
	contents []string
	calls    int
}

// NewChatServer starts a ChatServer and closes it when t finishes. Call N is
// answered with contents[N], or the last entry once the sequence runs out.
func NewChatServer(t *testing.T, contents ...string) *ChatServer {
	t.Helper()
	if len(contents) == 0 {
		contents = []string{"mock response"}
	}
	cs := &ChatServer{contents: contents}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.Close)
	return cs
}

// BaseURL is the value to pass as the provider base URL.
func (cs *ChatServer) BaseURL() string { return cs.URL + "/v1" }

// Calls returns how many completions were served.
func (cs *ChatServer) Calls() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls
}

func (cs *ChatServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || (r.URL.Path != "/v1/chat/completions" && r.URL.Path != "/v1/chat/completions/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cs.mu.Lock()
	idx := cs.calls
	cs.calls++
	if idx >= len(cs.contents) {
		idx = len(cs.contents) - 1
	}
	content := cs.contents[idx]
	cs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	})
}
