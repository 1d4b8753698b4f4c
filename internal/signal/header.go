package signal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/legato/listen/internal/errs"
)

const delimiter = "---"

// Header is the YAML front matter schema of a Library artifact. Keys outside this
// schema are rejected.
type Header struct {
	ID               string     `yaml:"id"`
	Type             string     `yaml:"type"`
	Source           string     `yaml:"source"`
	Category         string     `yaml:"category"`
	Title            string     `yaml:"title"`
	DomainTags       []string   `yaml:"domain_tags"`
	KeyPhrases       []string   `yaml:"key_phrases"`
	Created          HeaderTime `yaml:"created"`
	Updated          HeaderTime `yaml:"updated"`
	SourceTranscript string     `yaml:"source_transcript"`
	CorrelationScore *float64   `yaml:"correlation_score"`
	Related          []string   `yaml:"related"`
}

// HeaderTime accepts timestamps written either as YAML timestamps or quoted strings.
type HeaderTime struct {
	time.Time
}

var headerTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HeaderTime) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timestamp must be a scalar", n.Line)
	}
	v := strings.TrimSpace(n.Value)
	if v == "" || n.Tag == "!!null" {
		h.Time = time.Time{}
		return nil
	}
	for _, layout := range headerTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			h.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("line %d: cannot parse timestamp %q", n.Line, v)
}

// ParseHeader splits content into its front matter and body. Content without a
// front matter block yields a zero Header and the full content as body.
func ParseHeader(content string) (Header, string, error) {
	var h Header
	raw, body, ok := splitFrontmatter(content)
	if !ok {
		return h, content, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&h); err != nil && !errors.Is(err, io.EOF) {
		return Header{}, "", errs.Wrap(err, errs.CodeArtifactInvalid, "invalid artifact header")
	}
	return h, body, nil
}

// splitFrontmatter returns the text between a leading "---" line and the next
// "---" line. ok is false when content does not open with a front matter block.
func splitFrontmatter(content string) (string, string, bool) {
	s := strings.TrimPrefix(content, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	first, rest, found := strings.Cut(s, "\n")
	if !found || strings.TrimSpace(first) != delimiter {
		return "", content, false
	}

	var fm []string
	for {
		line, tail, more := strings.Cut(rest, "\n")
		if strings.TrimRight(line, " \t") == delimiter {
			return strings.Join(fm, "\n"), tail, true
		}
		fm = append(fm, line)
		if !more {
			return "", content, false
		}
		rest = tail
	}
}
