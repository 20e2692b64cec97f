package textproc

import (
	"fmt"
	"unicode/utf8"
)

// DefaultChunkSize is the chunk window in characters.
const DefaultChunkSize = 1000

// Chunk splits text into consecutive, non-overlapping windows of size
// characters (runes). Every chunk but the last has exactly size characters,
// so the result has ceil(len/size) entries and concatenating them yields text
// byte for byte. Empty text yields no chunks. A non-positive size panics.
func Chunk(text string, size int) []string {
	if size <= 0 {
		panic(fmt.Sprintf("textproc: chunk size must be positive, got %d", size))
	}
	if text == "" {
		return nil
	}
	n := utf8.RuneCountInString(text)
	chunks := make([]string, 0, (n+size-1)/size)
	start, count := 0, 0
	for i := range text {
		if count == size {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}
