package llm

import "testing"

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, false},
		{"prose around", "Here you go:\n{\"a\":1}\nThanks", `{"a":1}`, false},
		{"code fence", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, false},
		{"brace in string", `{"t":"use } and {"} tail {"x":1}`, `{"t":"use } and {"}`, false},
		{"escaped quote", `{"t":"say \"}\" now"}`, `{"t":"say \"}\" now"}`, false},
		{"first of two", `{"a":1}{"b":2}`, `{"a":1}`, false},
		{"none", "no json here", "", true},
		{"unbalanced", `{"a":{"b":1}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractObject(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeStrict_UnknownShape(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	if err := decodeStrict(`{"a":"not a number"}`, &v); err == nil {
		t.Error("expected type error")
	}
}
