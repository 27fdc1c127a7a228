package retrieval

import (
	"sort"
	"strings"
	"unicode/utf8"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

const (
	defaultLimit    = 3
	maxLimit        = 20
	maxSnippetLen   = 500
	scoreNormaliser = 20.0
)

type Article struct {
	ArticleID string `json:"article_id"`
	AccountID string `json:"account_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Tags      string `json:"tags"`
}

// Score is the raw relevance of an article: phrase hits in title (10),
// content (5) and any query word inside the tags (3), plus word overlap
// weighted title x2, content x1, tags x1.
func Score(query string, a Article) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	title := strings.ToLower(a.Title)
	content := strings.ToLower(a.Content)
	tags := strings.ToLower(a.Tags)

	score := 0
	if strings.Contains(title, q) {
		score += 10
	}
	if strings.Contains(content, q) {
		score += 5
	}
	queryWords := wordSet(q)
	for w := range queryWords {
		if strings.Contains(tags, w) {
			score += 3
			break
		}
	}

	score += overlap(queryWords, wordSet(title)) * 2
	score += overlap(queryWords, wordSet(content))
	score += overlap(queryWords, wordSet(tags))
	return score
}

func rank(query string, articles []Article, limit int) []contractx.RetrievalHit {
	type scored struct {
		score   int
		article Article
	}

	candidates := make([]scored, 0, len(articles))
	for _, a := range articles {
		if s := Score(query, a); s > 0 {
			candidates = append(candidates, scored{score: s, article: a})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].article.ArticleID < candidates[j].article.ArticleID
	})

	limit = clampLimit(limit)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]contractx.RetrievalHit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, contractx.RetrievalHit{
			ID:      c.article.ArticleID,
			Score:   normalise(c.score),
			Title:   c.article.Title,
			Snippet: snippet(c.article.Content),
		})
	}
	return hits
}

func normalise(score int) float64 {
	v := float64(score) / scoreNormaliser
	if v > 1 {
		return 1
	}
	return v
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= maxSnippetLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxSnippetLen]) + "..."
}

// Words are split on whitespace only, so punctuation stays attached.
func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
