package plan

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

const defaultPhaseName = "Implementation"

// Synthesize derives a plan from the checkbox lines of a story. Every task
// list item, checked or not, becomes one subtask in document order. Items are
// grouped into phases by their nearest preceding heading.
func Synthesize(s *story.Story) (*Plan, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.TaskList))
	root := md.Parser().Parse(text.NewReader(s.Body))

	verification, _ := s.Fields["verification"].(string)

	p := &Plan{StoryID: s.ID, Source: SourceGenerated, SourceFingerprint: s.Fingerprint}
	heading := defaultPhaseName
	var current *Phase
	n := 0

	_ = gmast.Walk(root, func(node gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *gmast.Heading:
			if v.Level > 1 {
				heading = inlineText(v, s.Body)
				current = nil
			}
			return gmast.WalkSkipChildren, nil
		case *extast.TaskCheckBox:
			desc := strings.TrimSpace(inlineText(v.Parent(), s.Body))
			if desc == "" {
				return gmast.WalkContinue, nil
			}
			if current == nil {
				p.Phases = append(p.Phases, Phase{
					ID:   fmt.Sprintf("phase-%d", len(p.Phases)+1),
					Name: heading,
				})
				current = &p.Phases[len(p.Phases)-1]
			}
			n++
			current.Subtasks = append(current.Subtasks, Subtask{
				ID:                 fmt.Sprintf("T%d", n),
				Description:        desc,
				AcceptanceCriteria: []string{desc},
				Verification:       verification,
			})
		}
		return gmast.WalkContinue, nil
	})

	if n == 0 {
		return nil, errors.ValidationError("story has no checkbox acceptance criteria").
			WithContext("story_id", s.ID).
			Build()
	}
	return p, nil
}

// inlineText concatenates the text segments below n.
func inlineText(n gmast.Node, src []byte) string {
	var b strings.Builder
	_ = gmast.Walk(n, func(c gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if t, ok := c.(*gmast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return gmast.WalkContinue, nil
	})
	return b.String()
}
