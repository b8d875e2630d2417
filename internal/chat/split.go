package chat

import "unicode/utf8"

// maxChunkLen is the transport's message length ceiling. Longer replies are
// delivered as ordered sequential chunks.
const maxChunkLen = 4000

// splitMessage cuts text into chunks of at most limit bytes, in order, with
// nothing dropped. Cuts land on rune boundaries so no chunk carries a torn
// multibyte character. A non-positive limit falls back to maxChunkLen.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxChunkLen
	}
	if len(text) <= limit {
		return []string{text}
	}
	chunks := make([]string, 0, len(text)/limit+1)
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			// Limit smaller than one rune; cut raw bytes to keep making
			// progress.
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
