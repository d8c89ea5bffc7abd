package artifact

import (
	"bytes"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/muse-gate/internal/model"
)

// FrontMatter is the YAML header of an episode artifact.
type FrontMatter struct {
	Title      string  `yaml:"title" json:"title"`
	Series     string  `yaml:"series" json:"series"`
	Episode    int     `yaml:"episode" json:"episode"`
	RunID      string  `yaml:"run_id" json:"run_id"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Status     string  `yaml:"status" json:"status"`
	Draft      bool    `yaml:"draft" json:"draft"`
}

// Document is a parsed artifact.
type Document struct {
	FrontMatter FrontMatter `json:"front_matter"`
	Body        string      `json:"body"`
}

const fence = "---\n"

// FrontMatterFor derives the header from an episode.
func FrontMatterFor(ep *model.Episode) FrontMatter {
	return FrontMatter{
		Title:      ep.Title,
		Series:     string(ep.Series),
		Episode:    ep.Number,
		RunID:      ep.RunID,
		Confidence: ep.Confidence,
		Status:     ep.Status.String(),
		Draft:      ep.Status != model.EpisodeReady && ep.Status != model.EpisodePublished,
	}
}

// Parse splits an artifact into front matter and body. An artifact without
// a front-matter fence is all body.
func Parse(data []byte) (*Document, error) {
	s := string(data)
	if !strings.HasPrefix(s, fence) {
		return &Document{Body: s}, nil
	}
	rest := s[len(fence):]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			end = len(rest) - len("\n---")
		} else {
			return nil, eris.New("artifact: unterminated front matter")
		}
	}

	var doc Document
	if err := yaml.Unmarshal([]byte(rest[:end]), &doc.FrontMatter); err != nil {
		return nil, eris.Wrap(err, "artifact: parse front matter")
	}
	if body := end + 1 + len(fence); body < len(rest) {
		doc.Body = rest[body:]
	}
	return &doc, nil
}

// Render writes the document with its YAML front matter.
func (d *Document) Render() ([]byte, error) {
	fm, err := yaml.Marshal(d.FrontMatter)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: marshal front matter")
	}
	var buf bytes.Buffer
	buf.WriteString(fence)
	buf.Write(fm)
	buf.WriteString(fence)
	buf.WriteString(d.Body)
	return buf.Bytes(), nil
}

// Headings returns the text of every heading at the given level, in order.
func Headings(body string, level int) []string {
	src := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if h.Level == level {
			out = append(out, inlineText(h, src))
		}
		return ast.WalkSkipChildren, nil
	})
	return out
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// HasCaveat reports whether body carries the data-quality section heading.
func HasCaveat(body string) bool {
	for _, h := range Headings(body, 2) {
		if strings.EqualFold(h, CaveatHeading) {
			return true
		}
	}
	return false
}

// EnsureCaveat appends caveat to body unless the heading is already there.
// It reports whether the body changed.
func EnsureCaveat(body, caveat string) (string, bool) {
	if HasCaveat(body) {
		return body, false
	}
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if body != "" {
		body += "\n"
	}
	return body + caveat, true
}

// StripFrontMatter returns the body of a raw artifact. A body whose leading
// fence does not parse as front matter is returned whole.
func StripFrontMatter(raw string) string {
	doc, err := Parse([]byte(raw))
	if err != nil {
		return raw
	}
	return doc.Body
}

// Prepare builds the artifact for an episode. Any front matter already on
// body is replaced by the episode's own. Drafts always carry the caveat
// section; the returned flag reports whether it had to be added.
func Prepare(ep *model.Episode, body string) (*Document, bool) {
	body = StripFrontMatter(body)
	doc := &Document{FrontMatter: FrontMatterFor(ep), Body: body}
	if ep.Status != model.EpisodeDraft {
		return doc, false
	}
	caveat := ep.Caveat
	if caveat == "" {
		caveat = RenderCaveat(ep.Score, ep.Threshold)
	}
	var added bool
	doc.Body, added = EnsureCaveat(body, caveat)
	return doc, added
}
