package backend

import (
	"os"
	"strings"
	"sync"
)

// --- Safe JSON extraction helpers ---
//
// Child event streams are parsed into map[string]any rather than rigid
// structs: the CLIs add fields between releases and unknown shapes must
// degrade to "skip", never to a failed turn.

// getString safely extracts a string field from a map.
func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// getMap safely extracts a nested object field from a map.
func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// getFloat safely extracts a numeric field from a map.
// JSON numbers are decoded as float64 by encoding/json.
func getFloat(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

// getInt safely extracts a numeric field as int from a map.
func getInt(m map[string]any, key string) int {
	return int(getFloat(m, key))
}

// --- Stderr tail ---

// tailBuffer retains the most recent stderr lines of a child so that exit
// errors can carry useful context without unbounded memory.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(maxLines int) *tailBuffer {
	return &tailBuffer{max: maxLines}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Tail returns the retained lines joined by newlines, truncated from the
// front to at most maxBytes.
func (t *tailBuffer) Tail(maxBytes int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.Join(t.lines, "\n")
	if len(s) > maxBytes {
		s = s[len(s)-maxBytes:]
	}
	return s
}

// --- Environment sanitation ---

// scrubEnv prepares the child environment: the nesting-detection variable
// is removed so the CLI does not refuse to run inside another agent, CI
// mode is forced, and local node_modules/.bin segments are stripped from
// PATH so the globally installed CLI wins.
func scrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "CLAUDECODE", "CI":
			continue
		case "PATH":
			out = append(out, "PATH="+stripLocalBins(val))
		default:
			out = append(out, kv)
		}
	}
	out = append(out, "CI=true")
	return out
}

// stripLocalBins removes node_modules/.bin entries from a PATH value.
func stripLocalBins(path string) string {
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		if strings.Contains(p, "node_modules/.bin") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}
