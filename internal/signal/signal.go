// Package signal holds the signal record and the rules for deriving one from an artifact.
package signal

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// IntentMaxRunes caps the body excerpt stored as a signal's intent.
const IntentMaxRunes = 200

// Defaults applied when an artifact header leaves a field out.
const (
	DefaultType     = "artifact"
	DefaultSource   = "library"
	DefaultCategory = "unknown"
	DefaultTitle    = "Untitled"
)

// Signal is one indexed unit of content. Its JSON form is the persisted index entry.
type Signal struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Category     string    `json:"category"`
	Title        string    `json:"title"`
	DomainTags   []string  `json:"domain_tags"`
	Intent       string    `json:"intent"`
	KeyPhrases   []string  `json:"key_phrases"`
	Path         string    `json:"path"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	EmbeddingRef string    `json:"embedding_ref,omitempty"`
}

// HasEmbedding reports whether a vector was stored for s at registration time.
func (s *Signal) HasEmbedding() bool {
	return s.EmbeddingRef != ""
}

// Query returns the correlation query equivalent to s.
func (s *Signal) Query() Query {
	return Query{Title: s.Title, Intent: s.Intent, KeyPhrases: s.KeyPhrases}
}

// Normalize puts s in its canonical persisted form: non-nil lists, sorted unique
// tags, UTC second-precision timestamps.
func (s *Signal) Normalize() {
	s.DomainTags = NormalizeTags(s.DomainTags)
	if s.KeyPhrases == nil {
		s.KeyPhrases = []string{}
	}
	s.Created = Timestamp(s.Created)
	s.Updated = Timestamp(s.Updated)
}

// Clone returns a deep copy of s.
func (s *Signal) Clone() *Signal {
	c := *s
	c.DomainTags = append([]string(nil), s.DomainTags...)
	c.KeyPhrases = append([]string(nil), s.KeyPhrases...)
	return &c
}

// Query is the request shape accepted by correlation.
type Query struct {
	Title      string   `json:"title"`
	Intent     string   `json:"intent"`
	KeyPhrases []string `json:"key_phrases"`
}

// Text returns the string that is embedded for q.
func (q Query) Text() string {
	return EmbeddingText(q.Title, q.Intent, q.KeyPhrases)
}

// EmbeddingText builds the embedding input shared by registration and correlation.
func EmbeddingText(title, intent string, keyPhrases []string) string {
	return title + " " + intent + " " + strings.Join(keyPhrases, " ")
}

// Excerpt derives an intent from an artifact body. Line endings are folded to
// '\n' before the cap is applied, so CRLF files yield the same intent as LF ones.
func Excerpt(body string) string {
	s := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(body)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > IntentMaxRunes {
		s = string([]rune(s)[:IntentMaxRunes])
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

// NormalizeTags trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Timestamp truncates t to whole seconds in UTC.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}
