package scorer

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// maxFeatureNGram is the longest word n-gram used as a comparison feature.
const maxFeatureNGram = 3

var stopwords = map[string]struct{}{}

func init() {
	for _, word := range strings.Fields(`a an and are as at be but by can could did do does for from had has have he her his
		how if in into is it its may might no nor not of on or our out over she should so some such than that the their them
		then there they this to too under up us was we were what when where which who why will with would you`) {
		stopwords[word] = struct{}{}
	}
}

// LexicalScorer scores answers from vocabulary and phrase overlap. It needs no
// external service and is fully deterministic.
type LexicalScorer struct {
	// ShingleSize is the word n-gram length used for copy detection.
	ShingleSize int
}

// NewLexicalScorer returns a scorer using two-word shingles.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{ShingleSize: 2}
}

// Correctness is the cosine similarity of term-frequency vectors, scaled to 0-100.
func (s *LexicalScorer) Correctness(ctx context.Context, modelAnswer, answer string) (CorrectnessResult, error) {
	if err := ctx.Err(); err != nil {
		return CorrectnessResult{}, scorerError("correctness cancelled: %v", err)
	}
	if strings.TrimSpace(modelAnswer) == "" {
		return CorrectnessResult{}, scorerError("model answer is empty")
	}

	score := roundScore(cosine(termFrequencies(tokenize(modelAnswer)), termFrequencies(tokenize(answer))) * 100)

	return CorrectnessResult{
		Score:     score,
		Rationale: "term-frequency cosine similarity against the model answer",
	}, nil
}

// Compare scores the answer against every peer. Word n-grams of up to three
// tokens are weighted by inverse document frequency over the answer and its
// peers, so vocabulary that every answer to the same question shares counts
// for little. A pair scores the larger of that weighted cosine and its shingle
// Jaccard overlap.
func (s *LexicalScorer) Compare(ctx context.Context, answer string, peers []Peer) ([]Similarity, error) {
	tokens := tokenize(answer)
	peerTokens := make([][]string, len(peers))
	documents := make([]map[string]float64, 0, len(peers)+1)
	documents = append(documents, ngramCounts(tokens, maxFeatureNGram))
	for i, peer := range peers {
		peerTokens[i] = tokenize(peer.Text)
		documents = append(documents, ngramCounts(peerTokens[i], maxFeatureNGram))
	}

	idf := inverseDocumentFrequency(documents)
	vector := weigh(documents[0], idf)
	shingles := s.shingles(tokens)

	results := make([]Similarity, 0, len(peers))
	for i, peer := range peers {
		if err := ctx.Err(); err != nil {
			return nil, scorerError("compare cancelled: %v", err)
		}

		vocabulary := cosine(vector, weigh(documents[i+1], idf))
		phrases := jaccard(shingles, s.shingles(peerTokens[i]))

		results = append(results, Similarity{
			PeerSubmissionID: peer.SubmissionID,
			Score:            roundScore(math.Max(vocabulary, phrases) * 100),
		})
	}

	return results, nil
}

func (s *LexicalScorer) shingles(tokens []string) map[string]struct{} {
	size := s.ShingleSize
	if size <= 0 {
		size = 2
	}

	set := make(map[string]struct{})
	if len(tokens) < size {
		if len(tokens) > 0 {
			set[strings.Join(tokens, " ")] = struct{}{}
		}
		return set
	}

	for i := 0; i+size <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+size], " ")] = struct{}{}
	}
	return set
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, skip := stopwords[field]; skip {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

func termFrequencies(tokens []string) map[string]float64 {
	counts := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}
	return counts
}

func ngramCounts(tokens []string, maxN int) map[string]float64 {
	counts := make(map[string]float64, len(tokens)*maxN)
	for n := 1; n <= maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			counts[strings.Join(tokens[i:i+n], " ")]++
		}
	}
	return counts
}

// inverseDocumentFrequency uses the smoothed form ln((1+N)/(1+df)) + 1, which
// keeps every weight positive.
func inverseDocumentFrequency(documents []map[string]float64) map[string]float64 {
	frequency := make(map[string]int)
	for _, document := range documents {
		for term := range document {
			frequency[term]++
		}
	}

	total := float64(len(documents))
	idf := make(map[string]float64, len(frequency))
	for term, df := range frequency {
		idf[term] = math.Log((1+total)/(1+float64(df))) + 1
	}
	return idf
}

func weigh(counts, idf map[string]float64) map[string]float64 {
	weighted := make(map[string]float64, len(counts))
	for term, count := range counts {
		weighted[term] = count * idf[term]
	}
	return weighted
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for term, weight := range a {
		normA += weight * weight
		if other, ok := b[term]; ok {
			dot += weight * other
		}
	}
	for _, weight := range b {
		normB += weight * weight
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for item := range a {
		if _, ok := b[item]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func roundScore(score float64) float64 {
	return clamp(math.Round(score*100) / 100)
}
