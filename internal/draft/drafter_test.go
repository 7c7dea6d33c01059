package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/prompt"
	"github.com/kalambet/convqa/internal/retrieval"
)

// defaultPrompts is the embedded default template set.
var defaultPrompts = func() *prompt.Set {
	s, err := prompt.Load(prompt.DefaultVersion)
	if err != nil {
		panic(err)
	}
	return s
}()

type fakeRetriever struct {
	passages []conversation.Passage
	err      error
	gotK     int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, kbID, question string, k int) ([]conversation.Passage, error) {
	f.gotK = k
	return f.passages, f.err
}

// fakeModel plays replies in order, validating each like the gateway does.
type fakeModel struct {
	replies []string
	err     error
	calls   int
}

func (f *fakeModel) CompleteJSON(ctx context.Context, messages []llm.Message, v any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for _, r := range f.replies {
		if err := json.Unmarshal([]byte(r), v); err != nil {
			continue
		}
		if val, ok := v.(llm.Validator); ok && val.Validate() != nil {
			continue
		}
		return nil
	}
	return &llm.Error{Kind: llm.KindExhausted, Attempts: len(f.replies), Err: errors.New("no valid reply")}
}

var invoicePassages = []conversation.Passage{
	{Content: "To filter unpaid invoices open Invoices and pick Unpaid in the Status dropdown.", Source: "invoices.md", Confidence: 0.9},
}

func newDrafter(r retrieval.Retriever, m Completer) *Drafter {
	return New(r, m, defaultPrompts, 0, nil)
}

func TestDraft_Grounded(t *testing.T) {
	r := &fakeRetriever{passages: invoicePassages}
	m := &fakeModel{replies: []string{
		`{"suggested":{"text":"Pick Unpaid in the Status dropdown.","citation":"[1]"},"detailed":{"text":"Open Invoices, then choose Unpaid in the Status dropdown.","citation":"[1]"},"evidence":[],"total":0}`,
	}}
	d := newDrafter(r, m)

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Pair.Suggested.Text != "Pick Unpaid in the Status dropdown." {
		t.Errorf("suggested = %q", got.Pair.Suggested.Text)
	}
	if len(got.Pair.Suggested.Grounding) != 1 || got.Pair.Suggested.Grounding[0] != 1 {
		t.Errorf("grounding = %v, want [1]", got.Pair.Suggested.Grounding)
	}
	if len(got.Passages) != 1 || got.Degraded {
		t.Errorf("draft = %+v", got)
	}
	if r.gotK != DefaultTopK {
		t.Errorf("k = %d, want %d", r.gotK, DefaultTopK)
	}
}

func TestDraft_NoPassagesSkipsModel(t *testing.T) {
	m := &fakeModel{}
	d := newDrafter(&fakeRetriever{}, m)

	got, err := d.Draft(context.Background(), "kb-1", "What is the refund policy?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if !got.Pair.Ungrounded() {
		t.Errorf("pair = %+v, want sentinel", got.Pair)
	}
	if got.Pair.Suggested.Text != conversation.InsufficientGrounding || got.Pair.Detailed.Text != conversation.InsufficientGrounding {
		t.Errorf("pair = %+v, want both sentinel", got.Pair)
	}
	if m.calls != 0 {
		t.Errorf("model calls = %d, want 0", m.calls)
	}
}

func TestDraft_SentinelInOneAnswerClearsBoth(t *testing.T) {
	reply, _ := json.Marshal(map[string]any{
		"suggested": map[string]string{"text": "Pick Unpaid.", "citation": "[1]"},
		"detailed":  map[string]string{"text": " " + conversation.InsufficientGrounding + " ", "citation": ""},
	})
	m := &fakeModel{replies: []string{string(reply)}}
	d := newDrafter(&fakeRetriever{passages: invoicePassages}, m)

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	want := conversation.SentinelPair(conversation.InsufficientGrounding)
	if got.Pair.Suggested.Text != want.Suggested.Text || got.Pair.Detailed.Text != want.Detailed.Text {
		t.Errorf("pair = %+v, want both sentinel", got.Pair)
	}
	if len(got.Pair.Suggested.Grounding) != 0 {
		t.Errorf("grounding = %v, want none", got.Pair.Suggested.Grounding)
	}
}

func TestDraft_RetrievalFailureDegradesToSentinel(t *testing.T) {
	m := &fakeModel{}
	d := newDrafter(&fakeRetriever{err: fmt.Errorf("%w: 500", retrieval.ErrServiceUnavailable)}, m)

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Pair.Suggested.Text != conversation.InsufficientGrounding {
		t.Errorf("suggested = %q, want sentinel", got.Pair.Suggested.Text)
	}
	if m.calls != 0 {
		t.Errorf("model calls = %d, want 0", m.calls)
	}
}

func TestDraft_SentinelFromModelAppliesToBoth(t *testing.T) {
	m := &fakeModel{replies: []string{
		fmt.Sprintf(`{"suggested":{"text":%q,"citation":""},"detailed":{"text":"Something else","citation":""},"evidence":[],"total":0}`,
			conversation.InsufficientGrounding),
	}}
	d := newDrafter(&fakeRetriever{passages: invoicePassages}, m)

	got, err := d.Draft(context.Background(), "kb-1", "Can I pay with crypto?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Pair.Detailed.Text != conversation.InsufficientGrounding {
		t.Errorf("detailed = %q, want sentinel", got.Pair.Detailed.Text)
	}
	if len(got.Pair.Suggested.Grounding) != 0 {
		t.Errorf("sentinel must carry no grounding, got %v", got.Pair.Suggested.Grounding)
	}
}

func TestDraft_ExhaustedYieldsPlaceholder(t *testing.T) {
	m := &fakeModel{err: &llm.Error{Kind: llm.KindExhausted, Attempts: 4, Err: errors.New("503")}}
	d := newDrafter(&fakeRetriever{passages: invoicePassages}, m)

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Pair.Suggested.Text != conversation.UnableToGenerate || got.Pair.Detailed.Text != conversation.UnableToGenerate {
		t.Errorf("pair = %+v, want placeholder", got.Pair)
	}
	if !got.Degraded {
		t.Error("Degraded = false, want true")
	}
	if len(got.Passages) != 1 {
		t.Errorf("passages = %d, want 1", len(got.Passages))
	}
}

func TestDraft_FatalPropagates(t *testing.T) {
	m := &fakeModel{err: &llm.Error{Kind: llm.KindPermission, Attempts: 1, Err: errors.New("403")}}
	d := newDrafter(&fakeRetriever{passages: invoicePassages}, m)

	_, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if !llm.IsFatal(err) {
		t.Errorf("error = %v, want fatal", err)
	}
}

func TestDraft_RejectsOutOfRangeCitation(t *testing.T) {
	m := &fakeModel{replies: []string{
		`{"suggested":{"text":"a","citation":"[4]"},"detailed":{"text":"b","citation":"[1]"},"evidence":[],"total":0}`,
		`{"suggested":{"text":"fixed","citation":"[1]"},"detailed":{"text":"b","citation":"[1]"},"evidence":[],"total":0}`,
	}}
	d := newDrafter(&fakeRetriever{passages: invoicePassages}, m)

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Pair.Suggested.Text != "fixed" {
		t.Errorf("suggested = %q, want the valid reply", got.Pair.Suggested.Text)
	}
}

func TestResponseValidate_Counting(t *testing.T) {
	evidence := []string{"0 Online", "1 Chatting", "2 Waiting"}
	tests := []struct {
		name    string
		text    string
		total   int
		ev      []string
		wantErr bool
	}{
		{"ok", "There are 3 statuses.", 3, evidence, false},
		{"total mismatch", "There are 4 statuses.", 4, evidence, true},
		{"no evidence", "There are 0 statuses.", 0, nil, true},
		{"stated twice", "3 statuses: 3 in total.", 3, evidence, true},
		{"not stated", "There are three statuses.", 3, evidence, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &response{
				Suggested: cited{Text: tt.text, Citation: "[1]"},
				Detailed:  cited{Text: "detail", Citation: "[1]"},
				Evidence:  tt.ev,
				Total:     tt.total,
				passages:  1,
				counting:  true,
			}
			if err := r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResponseValidate_Grounding(t *testing.T) {
	tests := []struct {
		name    string
		r       response
		wantErr bool
	}{
		{"empty text", response{Suggested: cited{Text: "", Citation: "[1]"}, Detailed: cited{Text: "d", Citation: "[1]"}, passages: 2}, true},
		{"missing citation", response{Suggested: cited{Text: "s"}, Detailed: cited{Text: "d", Citation: "[1]"}, passages: 2}, true},
		{"zero citation", response{Suggested: cited{Text: "s", Citation: "[0]"}, Detailed: cited{Text: "d", Citation: "[1]"}, passages: 2}, true},
		{"multi citation", response{Suggested: cited{Text: "s", Citation: "[1][2]"}, Detailed: cited{Text: "d", Citation: "[2]"}, passages: 2}, false},
		{"sentinel needs no citation", response{Suggested: cited{Text: conversation.InsufficientGrounding}, Detailed: cited{Text: conversation.InsufficientGrounding}, passages: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCitations(t *testing.T) {
	got := citations("[3][1] and [3]")
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("citations = %v, want [1 3]", got)
	}
}

func TestDraft_ContextBudgetDropsOversizedPassages(t *testing.T) {
	huge := conversation.Passage{Content: strings.Repeat("invoice ", 500), Source: "dump.txt", Confidence: 0.8}
	second := conversation.Passage{Content: "Unpaid invoices can be exported as CSV.", Source: "export.md", Confidence: 0.7}
	r := &fakeRetriever{passages: []conversation.Passage{invoicePassages[0], huge, second}}
	m := &fakeModel{replies: []string{
		`{"suggested":{"text":"Pick Unpaid in the Status dropdown.","citation":"[1]"},"detailed":{"text":"Pick Unpaid, then export as CSV if needed.","citation":"[1][2]"},"evidence":[],"total":0}`,
	}}
	d := New(r, m, defaultPrompts, 0, nil, WithContextTokens(100))

	got, err := d.Draft(context.Background(), "kb-1", "How do I filter unpaid invoices?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if len(got.Passages) != 2 || got.Passages[1].Source != "export.md" {
		t.Fatalf("passages = %+v", got.Passages)
	}
	if g := got.Pair.Detailed.Grounding; len(g) != 2 || g[1] != 2 {
		t.Errorf("detailed grounding = %v, want [1 2]", g)
	}
}
