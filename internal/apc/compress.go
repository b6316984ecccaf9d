package apc

import (
	"fmt"
	"sort"
	"strings"

	"relay/internal/token"
)

// HistoryEntry is one conversation turn handed to the compressor.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// segment is a scoreable slice of the history.
type segment struct {
	index   int
	role    string
	hasCode bool
	text    string
	tokens  int
	score   float64
}

// CompressContext selects the most relevant history segments for the
// current task under a token budget: segment by turn and code fence, score
// by recency, type, and keyword overlap, keep the best fits in original
// order, and prefix a one-line summary of what was dropped.
func CompressContext(history []HistoryEntry, currentTask string, targetTokens int) string {
	if targetTokens <= 0 {
		targetTokens = 8000
	}
	segments := segmentHistory(history)
	if len(segments) == 0 {
		return ""
	}

	taskWords := salientWords(currentTask)
	for i := range segments {
		segments[i].score = scoreSegment(segments[i], len(segments), taskWords)
	}

	// Pick by score, render in original order.
	byScore := make([]*segment, len(segments))
	for i := range segments {
		byScore[i] = &segments[i]
	}
	sort.SliceStable(byScore, func(i, j int) bool { return byScore[i].score > byScore[j].score })

	kept := make(map[int]bool)
	budget := targetTokens
	for _, seg := range byScore {
		if seg.tokens > budget {
			continue
		}
		kept[seg.index] = true
		budget -= seg.tokens
	}

	dropped := len(segments) - len(kept)
	var b strings.Builder
	if dropped > 0 {
		fmt.Fprintf(&b, "[context compressed: kept %d of %d segments for the current task]\n", len(kept), len(segments))
	}
	for _, seg := range segments {
		if kept[seg.index] {
			fmt.Fprintf(&b, "%s: %s\n", seg.role, seg.text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// segmentHistory splits each turn on code-fence boundaries so a large code
// block competes for budget separately from the prose around it.
func segmentHistory(history []HistoryEntry) []segment {
	var segments []segment
	for _, entry := range history {
		parts := strings.Split(entry.Content, "```")
		for i, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			seg := segment{
				index:   len(segments),
				role:    entry.Role,
				hasCode: i%2 == 1,
				text:    part,
				tokens:  token.EstimateFast(part),
			}
			if seg.hasCode {
				seg.text = "```\n" + part + "\n```"
			}
			segments = append(segments, seg)
		}
	}
	return segments
}

// scoreSegment weighs recency, segment type, and keyword overlap with the
// task. Later segments score higher; code relevant to the task beats old
// prose.
func scoreSegment(seg segment, total int, taskWords map[string]bool) float64 {
	recency := float64(seg.index+1) / float64(total)

	typeWeight := 0.5
	switch {
	case seg.role == "system":
		typeWeight = 1.0
	case seg.hasCode:
		typeWeight = 0.8
	case seg.role == "user":
		typeWeight = 0.7
	}

	overlap := 0.0
	if len(taskWords) > 0 {
		lower := strings.ToLower(seg.text)
		hits := 0
		for w := range taskWords {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		overlap = float64(hits) / float64(len(taskWords))
	}

	return 0.4*recency + 0.3*typeWeight + 0.3*overlap
}

func salientWords(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	out := make(map[string]bool)
	for _, w := range words {
		if len(w) > 4 {
			out[w] = true
		}
	}
	return out
}
