package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer serves canned chat completions and records each request.
func chatServer(t *testing.T, status int, resp interface{}) (*OpenAIProvider, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var seen []openai.ChatCompletionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	// No /v1 suffix: the provider adds it.
	return NewOpenAIProviderWithBaseURL("sk-test", ts.URL), &seen
}

func completion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 412, CompletionTokens: 57},
	}
}

func TestOpenAIGenerate_ClassificationRequest(t *testing.T) {
	p, seen := chatServer(t, http.StatusOK, completion(`{"category":"fee_notice","confidence":0.91}`))

	resp, err := p.Generate(context.Background(), &Request{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: "system", Content: "You classify replies from government agencies."},
			{Role: "user", Content: "The fee for this request is $85.00."},
		},
		MaxTokens: 1024,
		JSONMode:  true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"fee_notice","confidence":0.91}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 412, resp.InputTokens)
	assert.Equal(t, 57, resp.OutputTokens)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Equal(t, 1024, req.MaxTokens)
}

func TestOpenAIGenerate_DraftRequestIsPlainText(t *testing.T) {
	p, seen := chatServer(t, http.StatusOK, completion("Subject: Appeal\n\nWe appeal the denial."))

	_, err := p.Generate(context.Background(), &Request{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "Draft an appeal."}},
		Temperature: 0.3,
	})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Nil(t, (*seen)[0].ResponseFormat)
	assert.InDelta(t, 0.3, (*seen)[0].Temperature, 0.001)
}

func TestOpenAIGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    interface{}
		wantErr error
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body: map[string]interface{}{
				"error": map[string]interface{}{"message": "Invalid API key", "type": "invalid_request_error"},
			},
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    openai.ChatCompletionResponse{Model: "gpt-4o"},
			wantErr: ErrEmptyResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := chatServer(t, tt.status, tt.body)
			_, err := p.Generate(context.Background(), &Request{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "openai api call")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIEstimateCost(t *testing.T) {
	p := NewOpenAIProvider("sk-test")

	assert.Zero(t, p.EstimateCost("gpt-4o", 0, 0))
	mini := p.EstimateCost("gpt-4o-mini", 1000, 500)
	full := p.EstimateCost("gpt-4o", 1000, 500)
	assert.Greater(t, mini, 0.0)
	assert.Greater(t, full, mini)
	assert.Equal(t, full, p.EstimateCost("some-future-model", 1000, 500), "unknown models price as gpt-4o")
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://api.openai.com":   "https://api.openai.com/v1",
		"http://localhost:8080":    "http://localhost:8080/v1",
		"https://my-proxy.com/v1":  "https://my-proxy.com/v1",
		"https://my-proxy.com/v1/": "https://my-proxy.com/v1",
		"https://proxy.com/":       "https://proxy.com/v1",
		"":                         "/v1",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeOpenAIBaseURL(in), in)
	}
}
