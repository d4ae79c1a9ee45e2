package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[
			{"name":"qwen2.5-coder:14b","details":{"parameter_size":"14.8B"}},
			{"name":"llama3.2:3b","details":{"parameter_size":"3.2B"}}
		]}`)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:3b"}]}`)
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] == "missing" {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"done":true}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Stream {
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hel"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":2}`)
			return
		}
		fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":"hello"},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`, req.Model)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaListModels(t *testing.T) {
	srv := newOllamaServer(t)
	a := NewOllamaAdapter(OllamaConfig{BaseURL: srv.URL})

	models := a.ListModels(context.Background())
	require.Len(t, models, 2)

	coder := models[0]
	assert.Equal(t, "ollama/qwen2.5-coder:14b", coder.ID)
	assert.Equal(t, FamilyLocal, coder.Family)
	assert.Equal(t, SizeMedium, coder.Size)
	assert.Equal(t, StatusAvailable, coder.Status)
	assert.True(t, coder.HasCapability("code"))

	small := models[1]
	assert.Equal(t, SizeSmall, small.Size)
	assert.Equal(t, StatusReady, small.Status)
	assert.True(t, small.HasCapability("fast"))
}

func TestOllamaListModelsUnreachable(t *testing.T) {
	a := NewOllamaAdapter(OllamaConfig{BaseURL: "http://127.0.0.1:1"})
	assert.Empty(t, a.ListModels(context.Background()))
}

func TestOllamaActivate(t *testing.T) {
	srv := newOllamaServer(t)
	a := NewOllamaAdapter(OllamaConfig{BaseURL: srv.URL})

	require.NoError(t, a.Activate(context.Background(), ModelDescriptor{Name: "llama3.2:3b"}))

	err := a.Activate(context.Background(), ModelDescriptor{Name: "missing"})
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestOllamaGenerateAndStream(t *testing.T) {
	srv := newOllamaServer(t)
	a := NewOllamaAdapter(OllamaConfig{BaseURL: srv.URL})
	model := ModelDescriptor{ID: "ollama/llama3.2:3b", Name: "llama3.2:3b"}

	resp, err := a.Generate(context.Background(), model, UserRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	require.NotNil(t, resp.TokenCount)
	assert.Equal(t, 2, *resp.TokenCount)
	assert.Equal(t, 4, *resp.PromptTokens)
	assert.Equal(t, "ollama/llama3.2:3b", resp.ModelID)

	var sb strings.Builder
	err = a.Stream(context.Background(), model, UserRequest("hi"), func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", sb.String())
}
