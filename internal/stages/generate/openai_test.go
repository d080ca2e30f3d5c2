package generate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	require.NoError(t, err)
	return body
}

const goodReply = `{"headline":"Corner Bakery","summary":"Sourdough daily.","hashtags":["Sourdough","#Bakery"],` +
	`"posts":[{"platform":"Twitter","text":"Fresh bread at Corner Bakery"}]}`

type chatServer struct {
	calls   atomic.Int32
	prompts []string
	handler func(call int32, w http.ResponseWriter)
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := s.calls.Add(1)
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.prompts = append(s.prompts, string(body))
	s.handler(call, w)
}

func newOpenAI(t *testing.T, srv *httptest.Server) *OpenAI {
	t.Helper()
	gen, err := NewOpenAI(Config{
		Platforms: []string{"twitter", "linkedin"},
		OpenAI: OpenAIConfig{
			APIKey:       "sk-test",
			BaseURL:      srv.URL + "/",
			Timeout:      5 * time.Second,
			PromptTokens: 10,
			MaxRetries:   2,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   2 * time.Millisecond,
		},
	}, RuneBudget{}, nil)
	require.NoError(t, err)
	return gen
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func TestOpenAIGenerate(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(_ int32, w http.ResponseWriter) { writeJSON(w, http.StatusOK, completion(t, goodReply)) }
	srv := httptest.NewServer(cs)
	defer srv.Close()

	content := bakery()
	content.Text = strings.Repeat("bread ", 100)
	out, err := newOpenAI(t, srv).Generate(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, "Corner Bakery", out.Headline)
	assert.Equal(t, []string{"#Sourdough", "#Bakery"}, out.Hashtags)
	assert.Equal(t, "openai:gpt-4o-mini", out.Generator)
	require.Len(t, out.Posts, 2)
	assert.Equal(t, "Fresh bread at Corner Bakery", out.Posts[0].Text)
	assert.Equal(t, "linkedin", out.Posts[1].Platform)
	assert.Contains(t, out.Posts[1].Text, "Corner Bakery")

	require.Len(t, cs.prompts, 1)
	assert.Contains(t, cs.prompts[0], "json_object")
	assert.NotContains(t, cs.prompts[0], strings.Repeat("bread ", 20))
}

func TestOpenAIRetriesRateLimit(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(call int32, w http.ResponseWriter) {
		if call == 1 {
			writeJSON(w, http.StatusTooManyRequests, []byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		writeJSON(w, http.StatusOK, completion(t, goodReply))
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	out, err := newOpenAI(t, srv).Generate(context.Background(), bakery())
	require.NoError(t, err)
	assert.Equal(t, "Corner Bakery", out.Headline)
	assert.Equal(t, int32(2), cs.calls.Load())
}

func TestOpenAIGivesUpAfterRetries(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(_ int32, w http.ResponseWriter) {
		writeJSON(w, http.StatusTooManyRequests, []byte(`{"error":{"message":"slow down"}}`))
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	_, err := newOpenAI(t, srv).Generate(context.Background(), bakery())
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, int32(3), cs.calls.Load())
}

func TestOpenAIRetriesInvalidJSONOnce(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(_ int32, w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, completion(t, "not json"))
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	_, err := newOpenAI(t, srv).Generate(context.Background(), bakery())
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, int32(2), cs.calls.Load())
}

func TestOpenAIRejectsMissingHeadline(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(call int32, w http.ResponseWriter) {
		if call == 1 {
			writeJSON(w, http.StatusOK, completion(t, `{"summary":"x"}`))
			return
		}
		writeJSON(w, http.StatusOK, completion(t, goodReply))
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	out, err := newOpenAI(t, srv).Generate(context.Background(), bakery())
	require.NoError(t, err)
	assert.Equal(t, "Corner Bakery", out.Headline)
}

func TestOpenAIDoesNotRetryServerErrors(t *testing.T) {
	cs := &chatServer{}
	cs.handler = func(_ int32, w http.ResponseWriter) {
		writeJSON(w, http.StatusBadRequest, []byte(`{"error":{"message":"bad"}}`))
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	_, err := newOpenAI(t, srv).Generate(context.Background(), bakery())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, int32(1), cs.calls.Load())
}
