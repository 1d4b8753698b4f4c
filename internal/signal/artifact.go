package signal

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/legato/listen/internal/errs"
)

// FallbackIDPrefix prefixes ids derived from artifact content.
const FallbackIDPrefix = "unknown."

// idNamespace scopes the name-based UUIDs used for fallback ids.
var idNamespace = uuid.MustParse("6f1c2a4e-9b7d-5c3e-8a21-4d0f6b9e2c57")

// FromArtifact builds a signal record from artifact content. Timestamps are taken
// from the header when declared and left zero otherwise; the caller stamps them.
func FromArtifact(path, content string) (*Signal, error) {
	h, body, err := ParseHeader(content)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeArtifactInvalid, "parse artifact", errs.FieldPath(path))
	}
	id, err := ResolveID(h, content)
	if err != nil {
		return nil, err
	}

	s := &Signal{
		ID:         id,
		Type:       orDefault(h.Type, DefaultType),
		Source:     orDefault(h.Source, DefaultSource),
		Category:   orDefault(h.Category, DefaultCategory),
		Title:      orDefault(h.Title, DefaultTitle),
		DomainTags: h.DomainTags,
		Intent:     Excerpt(body),
		KeyPhrases: trimPhrases(h.KeyPhrases),
		Path:       path,
		Created:    h.Created.Time,
		Updated:    h.Updated.Time,
	}
	s.Normalize()
	return s, nil
}

// ResolveID returns the declared id, or a content-derived id when none is declared.
// Identical content always yields the same fallback id.
func ResolveID(h Header, content string) (string, error) {
	id := strings.TrimSpace(h.ID)
	if id == "" {
		return FallbackIDPrefix + uuid.NewSHA1(idNamespace, []byte(content)).String(), nil
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return "", errs.New(errs.CodeArtifactInvalid, "malformed signal id", errs.FieldSignalID(id))
	}
	return id, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func trimPhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
