package rag

import (
	"strings"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
)

const topicPrefixLen = 50

// ScoreConfidence classifies a reranked result set into a routing tier.
// results must be sorted by relevance descending, scores in (0, 1).
//
// Checks run in a fixed order: empty set and sub-minimum top score are
// off-topic before anything else; a flat high-scoring set spanning more
// than one topic is ambiguous; otherwise the top score alone picks the
// tier.
func ScoreConfidence(results []domain.SearchResult, cfg config.ConfidenceTuning) domain.Confidence {
	if len(results) == 0 {
		return domain.Confidence{Tier: domain.TierOffTopic}
	}

	top := results[0].Score
	if top < cfg.MinimumRelevance {
		return domain.Confidence{Tier: domain.TierOffTopic, TopScore: top}
	}

	variance := scoreVariance(results)
	topics := estimateTopics(results)

	c := domain.Confidence{
		TopScore:       top,
		Variance:       variance,
		DistinctTopics: len(topics),
		Topics:         topics,
	}

	if top >= cfg.CaveatThreshold && variance <= cfg.AmbiguityVariance && len(topics) > 1 {
		c.Tier = domain.TierAmbiguous
		return c
	}

	switch {
	case top >= cfg.AnswerThreshold:
		c.Tier = domain.TierAnswer
	case top >= cfg.CaveatThreshold:
		c.Tier = domain.TierCaveat
	case top >= cfg.DeclineThreshold:
		c.Tier = domain.TierDecline
	default:
		c.Tier = domain.TierEscalate
	}
	return c
}

// scoreVariance is the sample variance of the relevance scores, divisor
// n-1. A single result carries no spread information, so it reports 1.0
// and can never look ambiguous.
func scoreVariance(results []domain.SearchResult) float64 {
	if len(results) < 2 {
		return 1.0
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	mean := sum / float64(len(results))
	var ss float64
	for _, r := range results {
		d := r.Score - mean
		ss += d * d
	}
	return ss / float64(len(results)-1)
}

// estimateTopics approximates how many subjects the result set spans by
// deduplicating the first line of each chunk's leading characters.
// Dedup is case-insensitive; the emitted topic keeps the casing of its
// first occurrence, since topics end up verbatim in the clarifying
// question shown to the user.
func estimateTopics(results []domain.SearchResult) []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0, len(results))
	for _, r := range results {
		runes := []rune(r.Text)
		if len(runes) > topicPrefixLen {
			runes = runes[:topicPrefixLen]
		}
		head := string(runes)
		if i := strings.IndexByte(head, '\n'); i >= 0 {
			head = head[:i]
		}
		head = strings.TrimSpace(head)
		if head == "" {
			continue
		}
		key := strings.ToLower(head)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, head)
	}
	return topics
}
