// Package summarize implements the extractive summarization applied at
// tier transitions: three sentences at Hot→Warm, one at Warm→Cold.
// Sentences are scored by normalized word frequency and emitted in their
// original order.
package summarize

import (
	"sort"
	"strings"
)

// minSentenceLen filters fragments that carry no summary value.
const minSentenceLen = 20

// Extract returns up to maxSentences of the highest-scoring sentences
// from text, joined in original order. Empty input yields "".
func Extract(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return ""
	}
	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	scores := scoreSentences(sentences)
	top := selectTopSentences(sentences, scores, maxSentences)
	return strings.Join(top, " ")
}

// Sentence reduces text to its single most representative sentence.
func Sentence(text string) string {
	return Extract(text, 1)
}

// splitIntoSentences splits text on sentence boundaries, dropping
// fragments below minSentenceLen. When every fragment is short the raw
// fragments are kept so short inputs still summarize.
func splitIntoSentences(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ". ")

	var result []string
	for _, sent := range parts {
		sent = strings.TrimSpace(sent)
		if len(sent) > minSentenceLen {
			if !strings.HasSuffix(sent, ".") {
				sent += "."
			}
			result = append(result, sent)
		}
	}
	if len(result) == 0 {
		for _, sent := range parts {
			sent = strings.TrimSpace(sent)
			if sent == "" {
				continue
			}
			if !strings.HasSuffix(sent, ".") {
				sent += "."
			}
			result = append(result, sent)
		}
	}
	return result
}

// scoreSentences scores each sentence by summed word frequency,
// normalized by sentence length so long sentences don't dominate.
func scoreSentences(sentences []string) []float64 {
	wordFreq := make(map[string]int)
	for _, sent := range sentences {
		for _, word := range strings.Fields(strings.ToLower(sent)) {
			wordFreq[word]++
		}
	}

	scores := make([]float64, len(sentences))
	for i, sent := range sentences {
		words := strings.Fields(strings.ToLower(sent))
		if len(words) == 0 {
			continue
		}
		score := 0.0
		for _, word := range words {
			score += float64(wordFreq[word])
		}
		scores[i] = score / float64(len(words))
	}
	return scores
}

// selectTopSentences picks the n highest-scoring sentences and returns
// them in their original order.
func selectTopSentences(sentences []string, scores []float64, n int) []string {
	if n > len(sentences) {
		n = len(sentences)
	}

	indices := make([]int, len(sentences))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})

	selected := append([]int(nil), indices[:n]...)
	sort.Ints(selected)

	result := make([]string, 0, n)
	for _, idx := range selected {
		result = append(result, sentences[idx])
	}
	return result
}
