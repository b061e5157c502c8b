package provider

import (
	"regexp"
	"strings"
)

// FallbackApology replaces output that is empty once reasoning text is removed.
const FallbackApology = "I'm sorry, I couldn't generate a proper answer just now. Could you rephrase or try again?"

var (
	thinkBlock      = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkOpenTag    = regexp.MustCompile(`(?i)<think>`)
	thinkCloseTag   = regexp.MustCompile(`(?i)</think>`)
	templateMarker  = regexp.MustCompile(`<\|[a-zA-Z_]+\|>`)
	sentenceSplit   = regexp.MustCompile(`[^.!?\n]*[.!?]*\n*`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
	reasoningOpener = regexp.MustCompile(`(?i)^\s*(?:(?:okay|ok|alright),? so\b|let me (?:think|see|check|figure)\b|hmm+\b|wait,|i need to (?:figure|think|respond|answer)\b|the user (?:is asking|wants|asked|said)\b|so the user\b|first,? i (?:need|should|will)\b|i should (?:respond|answer|reply)\b)`)
)

// CleanReasoning strips the internal reasoning some local models leak into
// their output. It is pure and never returns an empty string.
func CleanReasoning(text string) string {
	out := thinkBlock.ReplaceAllString(text, "")

	// An unterminated block hides everything after it; a stray close tag
	// means everything before it was reasoning.
	if loc := thinkOpenTag.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	if locs := thinkCloseTag.FindAllStringIndex(out, -1); len(locs) > 0 {
		out = out[locs[len(locs)-1][1]:]
	}

	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "<|assistant|>")
	if i := strings.Index(out, "<|end|>"); i >= 0 {
		out = out[:i]
	}
	out = templateMarker.ReplaceAllString(out, "")

	var b strings.Builder
	for _, sentence := range sentenceSplit.FindAllString(out, -1) {
		if reasoningOpener.MatchString(sentence) {
			continue
		}
		b.WriteString(sentence)
	}
	out = blankLines.ReplaceAllString(b.String(), "\n\n")
	out = strings.TrimSpace(out)

	if out == "" {
		return FallbackApology
	}
	return out
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkFilter removes <think> blocks from a stream of deltas whose tags may
// be split across chunks.
type ThinkFilter struct {
	inThink bool
	pending string
}

// Push consumes a delta and returns the text that is safe to emit.
func (f *ThinkFilter) Push(delta string) string {
	f.pending += delta
	var out strings.Builder
	for {
		if f.inThink {
			i := strings.Index(f.pending, thinkClose)
			if i < 0 {
				f.pending = f.pending[len(f.pending)-partialSuffix(f.pending, thinkClose):]
				return out.String()
			}
			f.pending = f.pending[i+len(thinkClose):]
			f.inThink = false
			continue
		}
		i := strings.Index(f.pending, thinkOpen)
		if i < 0 {
			keep := partialSuffix(f.pending, thinkOpen)
			out.WriteString(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			return out.String()
		}
		out.WriteString(f.pending[:i])
		f.pending = f.pending[i+len(thinkOpen):]
		f.inThink = true
	}
}

// Flush returns any held-back text once the stream has ended.
func (f *ThinkFilter) Flush() string {
	if f.inThink {
		f.pending = ""
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// partialSuffix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialSuffix(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
