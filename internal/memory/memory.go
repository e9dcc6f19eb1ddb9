// Package memory defines the session-memory collaborator: a short-term
// transcript plus long-term notes, searchable by graph nodes.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Ref records one memory chunk injected into a run's state.
type Ref struct {
	Filename       string `json:"filename" msgpack:"filename"`
	Source         string `json:"source" msgpack:"source"`
	CharCount      int    `json:"char_count" msgpack:"char_count"`
	InjectedAtTurn int    `json:"injected_at_turn" msgpack:"injected_at_turn"`
}

// Result is one search hit.
type Result struct {
	Ref     Ref
	Content string
	Score   float64
}

// Manager is the capability graph nodes program against. Implementations
// must tolerate concurrent calls from a single run (calls are serialized
// by the runtime, but Flush may race with RecordMessage on cleanup).
type Manager interface {
	RecordMessage(role, content string) error
	Search(query string, maxResults int) ([]Result, error)
	Flush() error
}

type transcriptEntry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// FileManager stores the transcript as JSON lines under the session
// storage directory and searches long-term notes (markdown files) by term
// overlap.
type FileManager struct {
	root string

	mu      sync.Mutex
	pending []transcriptEntry
}

const (
	transcriptFile = "transcript.jsonl"
	notesDir       = "notes"
	notesPattern   = "**/*.md"
	flushThreshold = 20
)

// NewFileManager creates the storage layout under root.
func NewFileManager(root string) (*FileManager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("memory: storage root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, notesDir), 0o755); err != nil {
		return nil, fmt.Errorf("memory: init storage: %w", err)
	}
	return &FileManager{root: root}, nil
}

func (m *FileManager) RecordMessage(role, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	m.mu.Lock()
	m.pending = append(m.pending, transcriptEntry{Role: role, Content: content, At: time.Now().UTC()})
	shouldFlush := len(m.pending) >= flushThreshold
	m.mu.Unlock()
	if shouldFlush {
		return m.Flush()
	}
	return nil
}

// Flush appends pending transcript entries to disk.
func (m *FileManager) Flush() error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(m.root, transcriptFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range batch {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Search ranks long-term notes by query-term overlap. Empty queries and
// empty note sets return nil without error.
func (m *FileManager) Search(query string, maxResults int) ([]Result, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	fsys := os.DirFS(filepath.Join(m.root, notesDir))
	paths, err := doublestar.Glob(fsys, notesPattern)
	if err != nil {
		return nil, fmt.Errorf("memory: glob notes: %w", err)
	}

	var results []Result
	for _, p := range paths {
		b, err := os.ReadFile(filepath.Join(m.root, notesDir, p))
		if err != nil {
			continue
		}
		content := string(b)
		score := overlapScore(strings.ToLower(content), terms)
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			Ref: Ref{
				Filename:  p,
				Source:    "long_term",
				CharCount: len(content),
			},
			Content: content,
			Score:   score,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func overlapScore(content string, terms []string) float64 {
	matched := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
