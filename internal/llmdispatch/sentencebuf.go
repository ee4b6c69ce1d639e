package llmdispatch

import "strings"

// forcedSplitLen is the length at which an unbroken run of text without a
// sentence-ending boundary is forced to flush at the next whitespace, so a
// long unpunctuated LLM chunk doesn't stall TTS indefinitely waiting for a
// period that may never come.
const forcedSplitLen = 200

// sentenceBuf accumulates streamed LLM text and extracts complete sentences
// as soon as their boundary appears, so TTS can start speaking the opener
// while the model is still generating the rest of the turn.
//
// Two boundary rules apply beyond terminal punctuation followed by
// whitespace: a bare newline counts as a soft boundary even without trailing
// punctuation, and a run past forcedSplitLen chars with no boundary at all
// is force-flushed at the next whitespace rather than held forever.
type sentenceBuf struct {
	buf strings.Builder
}

// push appends text and returns zero or more complete sentences extracted
// from the buffer. Any remainder stays buffered for the next call.
func (b *sentenceBuf) push(text string) []string {
	b.buf.WriteString(text)
	var out []string
	for {
		s, rest, ok := extractOne(b.buf.String())
		if !ok {
			return out
		}
		out = append(out, s)
		b.buf.Reset()
		b.buf.WriteString(rest)
	}
}

// flush returns whatever partial sentence remains buffered, clearing the
// buffer. Called once the stream has ended.
func (b *sentenceBuf) flush() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// extractOne finds the earliest qualifying boundary in s and returns the
// sentence up to and including it, the trimmed remainder, and true. Returns
// ok=false when no boundary qualifies yet.
func extractOne(s string) (sentence, rest string, ok bool) {
	if idx := firstPunctuationBoundary(s); idx >= 0 {
		return s[:idx+1], strings.TrimLeft(s[idx+1:], " \t\n\r"), true
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx], strings.TrimLeft(s[idx+1:], " \t\n\r"), true
	}
	if len(s) > forcedSplitLen {
		if idx := nextWhitespace(s, forcedSplitLen); idx >= 0 {
			return s[:idx], strings.TrimLeft(s[idx+1:], " \t\n\r"), true
		}
		// No whitespace past the threshold yet: hold the whole run rather
		// than split mid-word. It will flush on the next whitespace or at
		// stream end.
	}
	return "", s, false
}

// firstPunctuationBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace. Returns -1 if none exists.
func firstPunctuationBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// nextWhitespace returns the index of the first whitespace rune at or after
// from, or -1 if s has no whitespace from that point on.
func nextWhitespace(s string, from int) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return -1
}
