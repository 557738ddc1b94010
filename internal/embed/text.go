package embed

import (
	"context"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TextEncoder is a local hashing embedder for text. It combines word n-grams,
// character trigrams, keyword categories and a few structural signals into a
// unit vector. No network access.
type TextEncoder struct {
	dimensions int
	ngramSizes []int
	stopwords  map[string]bool
}

// NewTextEncoder returns a text encoder producing dims-wide vectors.
func NewTextEncoder(dims int) *TextEncoder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &TextEncoder{
		dimensions: dims,
		ngramSizes: []int{1, 2, 3},
		stopwords:  buildStopwords(),
	}
}

func buildStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "as", "is", "was", "are", "were", "been",
		"be", "have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "must", "shall", "can", "it", "its", "this",
		"that", "these", "those", "i", "you", "he", "she", "we", "they", "what",
		"which", "who", "where", "when", "why", "how", "all", "each", "no", "not",
		"only", "so", "than", "too", "very", "just", "also", "now", "here",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var semanticCategories = map[string][]string{
	"code":    {"function", "class", "method", "variable", "code", "bug", "error", "test", "api", "endpoint", "database", "query", "server", "client", "json", "http", "git", "commit"},
	"media":   {"image", "photo", "picture", "video", "audio", "song", "music", "sound", "frame", "pixel", "render", "clip"},
	"model":   {"model", "train", "training", "dataset", "weights", "prompt", "inference", "embedding", "token", "llm", "agent"},
	"people":  {"user", "customer", "team", "member", "developer", "artist", "author", "creator", "owner", "person", "people"},
	"license": {"license", "copyright", "royalty", "revenue", "attribution", "credit", "rights", "fee"},
	"action":  {"create", "build", "make", "remix", "edit", "review", "merge", "generate", "publish", "update", "delete"},
}

var categoryOrder = []string{"code", "media", "model", "people", "license", "action"}

// Encode embeds payload as UTF-8 text.
func (e *TextEncoder) Encode(_ context.Context, payload []byte) ([]float32, error) {
	return e.embed(string(payload)), nil
}

func (e *TextEncoder) Dimensions() int { return e.dimensions }

func (e *TextEncoder) embed(text string) []float32 {
	embedding := make([]float32, e.dimensions)

	text = strings.ToLower(norm.NFC.String(text))
	words := tokenize(text)
	if len(words) == 0 {
		return embedding
	}

	ngramDims := int(float64(e.dimensions) * 0.6)
	e.addNgramFeatures(embedding[:ngramDims], words)

	charStart := ngramDims
	charDims := int(float64(e.dimensions) * 0.2)
	e.addCharFeatures(embedding[charStart:charStart+charDims], text)

	semStart := charStart + charDims
	semDims := int(float64(e.dimensions) * 0.1)
	e.addSemanticFeatures(embedding[semStart:semStart+semDims], words)

	e.addStructuralFeatures(embedding[semStart+semDims:], text, words)

	normalize(embedding)
	return embedding
}

func tokenize(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(" .,!?;:'\"()[]{}\n\t\r", r)
	})
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

// hashIndex maps s onto [0, dims).
func hashIndex(s string, dims int) int {
	var h uint32
	for _, c := range s {
		h = 31*h + uint32(c)
	}
	return int(h % uint32(dims))
}

func (e *TextEncoder) addNgramFeatures(embedding []float32, words []string) {
	dims := len(embedding)
	if dims == 0 {
		return
	}
	counts := map[string]int{}
	for _, n := range e.ngramSizes {
		for i := 0; i+n <= len(words); i++ {
			counts[strings.Join(words[i:i+n], " ")]++
		}
	}

	for _, n := range e.ngramSizes {
		weight := 1.0 / float32(n)
		for i := 0; i+n <= len(words); i++ {
			if n == 1 && e.stopwords[words[i]] {
				continue
			}
			ngram := strings.Join(words[i:i+n], " ")

			posWeight := float32(1.0)
			if i < 3 || i >= len(words)-3 {
				posWeight = 1.5
			}
			tf := float32(1.0 + math.Log(float64(1+counts[ngram])))

			embedding[hashIndex(ngram, dims)] += weight * posWeight * tf
			embedding[hashIndex(ngram+"_2", dims)] -= weight * posWeight * tf * 0.5
		}
	}
}

func (e *TextEncoder) addCharFeatures(embedding []float32, text string) {
	dims := len(embedding)
	if dims < 4 {
		return
	}
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		embedding[hashIndex("char_"+string(runes[i:i+3]), dims)] += 0.1
	}

	var vowels, consonants, digits, special int
	for _, c := range runes {
		switch {
		case strings.ContainsRune("aeiou", c):
			vowels++
		case c >= 'a' && c <= 'z':
			consonants++
		case c >= '0' && c <= '9':
			digits++
		case c != ' ':
			special++
		}
	}
	total := float32(len(runes))
	embedding[0] = float32(vowels) / total
	embedding[1] = float32(consonants) / total
	embedding[2] = float32(digits) / total
	embedding[3] = float32(special) / total
}

func (e *TextEncoder) addSemanticFeatures(embedding []float32, words []string) {
	if len(embedding) == 0 {
		return
	}
	scores := map[string]float32{}
	for _, word := range words {
		for category, keywords := range semanticCategories {
			for _, kw := range keywords {
				if word == kw {
					scores[category]++
				}
			}
		}
	}
	for i, cat := range categoryOrder {
		if i < len(embedding) {
			embedding[i] = scores[cat] / float32(len(words)+1)
		}
	}
}

// addStructuralFeatures records coarse shape. The values are damped so that
// texts of similar length do not look alike on shape alone.
func (e *TextEncoder) addStructuralFeatures(embedding []float32, text string, words []string) {
	if len(embedding) < 6 {
		return
	}
	const damp = 0.1

	embedding[0] = damp * float32(math.Log(float64(len(text)+1)))
	embedding[1] = damp * float32(math.Log(float64(len(words)+1)))

	totalLen := 0
	for _, w := range words {
		totalLen += len(w)
	}
	embedding[2] = damp * float32(totalLen) / float32(len(words))

	if strings.Contains(text, "?") {
		embedding[3] = damp
	}
	if strings.Contains(text, "`") || strings.Contains(text, "()") || strings.Contains(text, "{") {
		embedding[4] = damp
	}
	if strings.Contains(text, "- ") || strings.Contains(text, "* ") || strings.Contains(text, "1.") {
		embedding[5] = damp
	}
}
