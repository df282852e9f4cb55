package generate

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays canned lines per speaker, in order. Useful for demos and
// tests where a real model backend is unavailable.
type Scripted struct {
	mu      sync.Mutex
	lines   map[string][]string
	cursors map[string]int
}

// NewScripted builds a scripted generator from per-speaker line lists.
func NewScripted(lines map[string][]string) *Scripted {
	return &Scripted{
		lines:   lines,
		cursors: make(map[string]int),
	}
}

// Generate returns the speaker's next scripted line. Speakers with an
// exhausted or missing script get a generic fallback line, so a scripted
// conversation never stalls a round.
func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	speaker := req.Speaker.SpeakerID
	script := s.lines[speaker]
	i := s.cursors[speaker]
	if i >= len(script) {
		return fmt.Sprintf("%s has nothing more to add.", req.Speaker.Name), nil
	}
	s.cursors[speaker] = i + 1
	return script[i], nil
}
