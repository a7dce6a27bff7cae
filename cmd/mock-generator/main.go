// Package main implements a mock content generator for offline pipeline
// runs and e2e testing. It serves OpenAI-compatible /v1/chat/completions
// responses from JSON fixture files, so the pipeline can run fast,
// deterministic, and offline.
//
// Usage:
//
//	mock-generator -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by routing key. The key is matched against
// the request's "model" field first; when no model fixture exists, the
// system prompt is sniffed for the calling stage (analysis, planning,
// blueprint, coding) so a single fixture per stage drives a whole pipeline
// run regardless of which model name the client is configured with. A
// "default.json" fixture answers anything that matches nothing else.
//
// Sequential fixtures: if numbered files exist (e.g. "coding.1.json",
// "coding.2.json"), the Nth call routed to that key returns the Nth
// fixture. After exhausting numbered fixtures, the base "coding.json" is
// the repeating fallback. This exercises retry and multi-call loops.
//
// The fixtures directory is watched; edits are picked up without a
// restart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// stageSignatures map a phrase from each stage's system prompt onto its
// fixture key. The phrases are the role lines the prompts open with.
var stageSignatures = []struct {
	phrase string
	key    string
}{
	{"requirements analyst", "analysis"},
	{"delivery planner", "planning"},
	{"software architect", "blueprint"},
	{"software developer", "coding"},
}

// --- Server ---

// capturedRequest stores the key fields of an incoming generate request
// for test verification via /requests.
type capturedRequest struct {
	Model     string        `json:"model"`
	Key       string        `json:"key"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	mu       sync.RWMutex
	fixtures map[string][]string // routing key -> ordered fixture contents

	calls atomic.Int64 // total calls served

	// Per-key call counters for sequential fixture selection.
	keyCalls   map[string]*atomic.Int64
	keyCallsMu sync.Mutex

	// Per-key request capture for prompt verification.
	keyRequests   map[string][]capturedRequest
	keyRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:    fixtures,
		keyCalls:    make(map[string]*atomic.Int64),
		keyRequests: make(map[string][]capturedRequest),
	}
}

// swapFixtures replaces the fixture set. Call counters are kept so
// sequential selection continues across reloads.
func (s *server) swapFixtures(fixtures map[string][]string) {
	s.mu.Lock()
	s.fixtures = fixtures
	s.mu.Unlock()
}

// resolve picks the fixture sequence for a request: exact model name, then
// the stage sniffed from the system prompt, then "default".
func (s *server) resolve(req chatRequest) (key string, seq []string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq, ok := s.fixtures[req.Model]; ok {
		return req.Model, seq, true
	}
	var system string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			break
		}
	}
	for _, sig := range stageSignatures {
		if strings.Contains(system, sig.phrase) {
			if seq, ok := s.fixtures[sig.key]; ok {
				return sig.key, seq, true
			}
			break
		}
	}
	if seq, ok := s.fixtures["default"]; ok {
		return "default", seq, true
	}
	return "", nil, false
}

func (s *server) captureRequest(key string, req chatRequest, callIndex int) {
	s.keyRequestsMu.Lock()
	defer s.keyRequestsMu.Unlock()
	s.keyRequests[key] = append(s.keyRequests[key], capturedRequest{
		Model:     req.Model,
		Key:       key,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *server) getKeyCounter(key string) *atomic.Int64 {
	s.keyCallsMu.Lock()
	defer s.keyCallsMu.Unlock()
	if c, ok := s.keyCalls[key]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.keyCalls[key] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	watch := flag.Bool("watch", true, "reload fixtures when the directory changes")
	flag.Parse()

	if envDir := os.Getenv("MOCK_GENERATOR_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d routing key(s) from %s", len(fixtures), *fixtureDir)
	for key, seq := range fixtures {
		log.Printf("  key: %s (%d fixture(s))", key, len(seq))
	}

	s := newServer(fixtures)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		if err := watchFixtures(ctx, *fixtureDir, s); err != nil {
			log.Printf("WARNING: fixture watching disabled: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Mock generator listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

// watchFixtures reloads the fixture directory after changes settle. Edits
// are debounced so a multi-file save triggers one reload.
func watchFixtures(ctx context.Context, dir string, s *server) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		dirty := false
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(ev.Name, ".json") {
					dirty = true
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Watcher error: %v", err)
			case <-ticker.C:
				if !dirty {
					continue
				}
				dirty = false
				fixtures, err := loadFixtures(dir)
				if err != nil {
					log.Printf("Reload failed, keeping previous fixtures: %v", err)
					continue
				}
				s.swapFixtures(fixtures)
				log.Printf("Reloaded %d routing key(s) from %s", len(fixtures), dir)
			}
		}
	}()
	return nil
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

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	key, seq, ok := s.resolve(req)
	if !ok {
		log.Printf("[call %d] WARNING: no fixture for model=%q, returning error", callNum, req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	counter := s.getKeyCounter(key)
	callIndex := int(counter.Add(1) - 1) // 0-indexed
	s.captureRequest(key, req, callIndex+1)

	var content string
	if callIndex < len(seq) {
		content = seq[callIndex]
	} else {
		content = seq[len(seq)-1] // repeat last fixture
	}

	log.Printf("[call %d] model=%s key=%s call_index=%d/%d bytes=%d",
		callNum, req.Model, key, callIndex+1, len(seq), len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleModels returns the loaded routing keys as a model list.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	s.mu.RLock()
	var models []modelEntry
	for name := range s.fixtures {
		models = append(models, modelEntry{
			ID:      name,
			Object:  "model",
			OwnedBy: "mock-generator",
		})
	}
	s.mu.RUnlock()
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.keyCallsMu.Lock()
	callsByKey := make(map[string]int64, len(s.keyCalls))
	for key, counter := range s.keyCalls {
		callsByKey[key] = counter.Load()
	}
	s.keyCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":  s.calls.Load(),
		"calls_by_key": callsByKey,
	})
}

// handleRequests returns captured request bodies for test assertions.
// Query params:
//   - key: filter by routing key (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	keyFilter := r.URL.Query().Get("key")
	callFilter := r.URL.Query().Get("call")

	s.keyRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for key, reqs := range s.keyRequests {
		if keyFilter != "" && key != keyFilter {
			continue
		}
		if callFilter != "" {
			if callIdx, err := strconv.Atoi(callFilter); err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[key] = append(result[key], req)
					}
				}
				continue
			}
		}
		result[key] = reqs
	}
	s.keyRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_key": result,
	})
}

// numberedFileRe matches files like "coding.1.json", "analysis.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns a map of routing
// key -> content sequence.
//
// For each key, fixtures are ordered:
//  1. Numbered files (key.1.json, key.2.json, ...) in numeric order
//  2. Base file (key.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			key := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[key] == nil {
				numberedFiles[key] = make(map[int]string)
			}
			numberedFiles[key][index] = content
			return nil
		}

		key := strings.TrimSuffix(info.Name(), ".json")
		baseFiles[key] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	allKeys := make(map[string]bool)
	for k := range baseFiles {
		allKeys[k] = true
	}
	for k := range numberedFiles {
		allKeys[k] = true
	}

	for key := range allKeys {
		var seq []string
		if numbered, ok := numberedFiles[key]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[key]; ok {
			seq = append(seq, base)
		}
		if len(seq) > 0 {
			fixtures[key] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
