package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestParseRecipe(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		wantName     string
		wantServings int
		wantErr      bool
	}{
		{
			name:         "bare json",
			reply:        `{"name":"Dal","servings":4,"ingredients":[{"name":"lentils","quantity":"200g"}],"steps":["boil"]}`,
			wantName:     "Dal",
			wantServings: 4,
		},
		{
			name:         "fenced with prose",
			reply:        "Here you go:\n```json\n{\"name\":\" Fried rice \",\"servings\":2}\n```\nEnjoy!",
			wantName:     "Fried rice",
			wantServings: 2,
		},
		{
			name:         "missing servings defaults",
			reply:        `{"name":"Toast"}`,
			wantName:     "Toast",
			wantServings: 1,
		},
		{name: "no object", reply: "I cannot help with that.", wantErr: true},
		{name: "broken json", reply: `{"name": "Dal",}`, wantErr: true},
		{name: "no name", reply: `{"servings":2}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipe, err := ParseRecipe(tt.reply)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecipe) {
					t.Fatalf("err = %v, want ErrInvalidRecipe", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecipe failed: %v", err)
			}
			if recipe.Name != tt.wantName || recipe.Servings != tt.wantServings {
				t.Errorf("recipe = %+v", recipe)
			}
			if recipe.ID != "" {
				t.Errorf("ParseRecipe assigned uid %q", recipe.ID)
			}
		})
	}
}

func TestPrompt(t *testing.T) {
	got := Prompt(Request{Ingredients: []string{"rice", "eggs"}, Servings: 2, Notes: " quick "})
	want := "Write a recipe for 2 servings that uses: rice, eggs.\nNotes: quick"
	if got != want {
		t.Errorf("Prompt = %q, want %q", got, want)
	}
	if got := Prompt(Request{}); got != "Write a recipe." {
		t.Errorf("empty Prompt = %q", got)
	}
}

func fakeMessagesAPI(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if body["model"] != "test-model" {
			t.Errorf("model = %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "test-model",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": text}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClaude(baseURL string) *Claude {
	return New(Options{
		APIKey:         "test-key",
		Model:          "test-model",
		BaseURL:        baseURL,
		Logger:         log.New(io.Discard, "", 0),
		RequestOptions: []option.RequestOption{option.WithMaxRetries(0)},
	})
}

func TestClaude_Generate(t *testing.T) {
	ts := fakeMessagesAPI(t, http.StatusOK, `{"name":"Egg fried rice","servings":2,"tags":["quick"]}`)

	recipe, err := newTestClaude(ts.URL).Generate(context.Background(), Request{Ingredients: []string{"rice", "eggs"}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if recipe.Name != "Egg fried rice" || recipe.Servings != 2 {
		t.Errorf("recipe = %+v", recipe)
	}
}

func TestClaude_GenerateErrors(t *testing.T) {
	ts := fakeMessagesAPI(t, http.StatusOK, "Sorry, no.")
	_, err := newTestClaude(ts.URL).Generate(context.Background(), Request{})
	if !errors.Is(err, ErrInvalidRecipe) {
		t.Errorf("err = %v, want ErrInvalidRecipe", err)
	}

	ts = fakeMessagesAPI(t, http.StatusServiceUnavailable, "")
	_, err = newTestClaude(ts.URL).Generate(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "failed to generate recipe") {
		t.Errorf("err = %v, want wrapped API error", err)
	}
}
