// Package main implements a mock LLM server for offline workflow runs.
// It answers OpenAI-compatible /v1/chat/completions requests from JSON
// fixture files, routed by the "model" field, so agent phases execute
// deterministically without a real model behind them.
//
// Usage:
//
//	mock-llm -fixtures ./fixtures -port 11434
//
// A fixture file is named after the model it answers for: "qwen.json" is
// returned as the assistant message for model "qwen". Numbered files
// ("reviewer.1.json", "reviewer.2.json") are served in order, one per
// call, with the base "reviewer.json" repeating once the sequence is
// exhausted. That makes revision loops testable: a first call can return
// {"approved": false} and a later call {"approved": true}, driving a
// workflow through its retry transitions.
//
// Point an ollama-provider endpoint at the server (URL
// "http://localhost:11434/v1") and agent phases resolve against it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// OpenAI-compatible wire types, request and response.

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// server routes completion requests to fixture sequences.
type server struct {
	fixtures map[string][]string

	mu         sync.Mutex
	totalCalls int64
	modelCalls map[string]int64

	logger *slog.Logger
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:   fixtures,
		modelCalls: make(map[string]int64),
		logger:     logger,
	}
}

// nextFixture picks the fixture for this call and advances the per-model
// counter. The last entry repeats forever once the sequence runs out.
func (s *server) nextFixture(model string) (string, int64, bool) {
	seq, ok := s.fixtures[model]
	if !ok {
		return "", 0, false
	}

	s.mu.Lock()
	s.totalCalls++
	call := s.modelCalls[model]
	s.modelCalls[model] = call + 1
	s.mu.Unlock()

	idx := int(call)
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], call + 1, true
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *fixtureDir == "" {
		*fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for model, seq := range fixtures {
		logger.Info("Loaded fixture", "model", model, "responses", len(seq))
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr, "models", len(fixtures))
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, call, ok := s.nextFixture(req.Model)
	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.logger.Info("Serving completion",
		"model", req.Model,
		"call", call,
		"messages", len(req.Messages),
		"bytes", len(content))

	resp := completionResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []choice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: usage{
			// Rough estimate, enough for token accounting paths
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleModels lists the fixture models so a curl confirms what loaded.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats reports call counts so a test can assert how many agent
// calls a workflow run made.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int64, len(s.modelCalls))
	for model, n := range s.modelCalls {
		callsByModel[model] = n
	}
	total := s.totalCalls
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": callsByModel,
	})
}

// numberedFileRe matches sequence files like "reviewer.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads .json files from one flat directory and returns a
// model name to response sequence map. Numbered files come first in
// numeric order, the base file last as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", name)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			continue
		}

		base[strings.TrimSuffix(name, ".json")] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)

		seq := make([]string, 0, len(indices)+1)
		for _, idx := range indices {
			seq = append(seq, byIndex[idx])
		}
		fixtures[model] = seq
	}
	for model, content := range base {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
