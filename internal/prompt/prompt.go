// Package prompt loads the versioned instructions, few-shot exemplars and
// user-turn templates for the three analysis stages.
package prompt

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"text/template"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
)

// DefaultVersion is the template set used when none is configured.
const DefaultVersion = "v1"

//go:embed templates
var templatesFS embed.FS

// Set is one loaded template version. It is immutable and safe for concurrent use.
type Set struct {
	Version string

	segmentSystem string
	draftSystem   string
	gradeSystem   string

	draftExamples []llm.Message
	gradeExamples []llm.Message

	segmentUser *template.Template
	draftUser   *template.Template
	gradeUser   *template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Load parses the embedded templates for version.
func Load(version string) (*Set, error) {
	if version == "" {
		version = DefaultVersion
	}
	dir, err := fs.Sub(templatesFS, "templates/"+version)
	if err != nil {
		return nil, fmt.Errorf("prompt version %q: %w", version, err)
	}

	s := &Set{Version: version}
	sysData := map[string]string{"Sentinel": conversation.InsufficientGrounding}

	if s.segmentSystem, err = renderFile(dir, "segment_system.txt", sysData); err != nil {
		return nil, err
	}
	if s.draftSystem, err = renderFile(dir, "draft_system.txt", sysData); err != nil {
		return nil, err
	}
	if s.gradeSystem, err = renderFile(dir, "grade_system.txt", sysData); err != nil {
		return nil, err
	}
	if s.draftExamples, err = loadExamples(dir, "draft_examples.json"); err != nil {
		return nil, err
	}
	if s.gradeExamples, err = loadExamples(dir, "grade_examples.json"); err != nil {
		return nil, err
	}
	if s.segmentUser, err = parseFile(dir, "segment_user.tmpl"); err != nil {
		return nil, err
	}
	if s.draftUser, err = parseFile(dir, "draft_user.tmpl"); err != nil {
		return nil, err
	}
	if s.gradeUser, err = parseFile(dir, "grade_user.tmpl"); err != nil {
		return nil, err
	}
	return s, nil
}

// Segment builds the thread segmentation prompt for a rendered transcript.
func (s *Set) Segment(transcript string) ([]llm.Message, error) {
	user, err := execute(s.segmentUser, map[string]any{"Transcript": transcript})
	if err != nil {
		return nil, err
	}
	return assemble(s.segmentSystem, nil, user), nil
}

// Draft builds the answer drafting prompt. Passages are numbered from 1.
func (s *Set) Draft(question string, passages []conversation.Passage) ([]llm.Message, error) {
	rendered := make([]string, len(passages))
	for i, p := range passages {
		rendered[i] = p.Evidence()
	}
	user, err := execute(s.draftUser, map[string]any{"Question": question, "Passages": rendered})
	if err != nil {
		return nil, err
	}
	return assemble(s.draftSystem, s.draftExamples, user), nil
}

// Grade builds the grading prompt for a JSON-encoded bundle.
func (s *Set) Grade(bundle []byte) ([]llm.Message, error) {
	user, err := execute(s.gradeUser, map[string]any{"Bundle": string(bundle)})
	if err != nil {
		return nil, err
	}
	return assemble(s.gradeSystem, s.gradeExamples, user), nil
}

func assemble(system string, examples []llm.Message, user string) []llm.Message {
	msgs := make([]llm.Message, 0, len(examples)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	msgs = append(msgs, examples...)
	msgs = append(msgs, llm.Message{Role: "user", Content: user})
	return msgs
}

func parseFile(dir fs.FS, name string) (*template.Template, error) {
	b, err := fs.ReadFile(dir, name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return t, nil
}

func renderFile(dir fs.FS, name string, data any) (string, error) {
	t, err := parseFile(dir, name)
	if err != nil {
		return "", err
	}
	return execute(t, data)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func loadExamples(dir fs.FS, name string) ([]llm.Message, error) {
	b, err := fs.ReadFile(dir, name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var msgs []llm.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if len(msgs)%2 != 0 {
		return nil, fmt.Errorf("%s: exemplars must be user/assistant pairs", name)
	}
	for i, m := range msgs {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if m.Role != want {
			return nil, fmt.Errorf("%s: message %d has role %q, want %q", name, i, m.Role, want)
		}
	}
	return msgs, nil
}
