package domain

import "testing"

func TestUsageNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Usage
		want Usage
	}{
		{
			name: "missing total derived",
			in:   Usage{PromptTokens: 100, CompletionTokens: 50},
			want: Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		},
		{
			name: "negative clamped",
			in:   Usage{PromptTokens: -1, CompletionTokens: -5},
			want: Usage{},
		},
		{
			name: "all missing",
			in:   Usage{},
			want: Usage{},
		},
		{
			name: "provider total kept",
			in:   Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 31},
			want: Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 31},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.in
			u.Normalize()
			if u != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", u, tt.want)
			}
		})
	}
}

func TestUsageAdd(t *testing.T) {
	var total Usage
	total.Add(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	total.Add(Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5})

	want := Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}
	if total != want {
		t.Errorf("Add() = %+v, want %+v", total, want)
	}
}

func TestValidMode(t *testing.T) {
	for _, m := range []Mode{ModeFundamental, ModeMomentum, ModeAll} {
		if !ValidMode(m) {
			t.Errorf("ValidMode(%q) = false", m)
		}
	}
	if ValidMode(Mode("turbo")) {
		t.Error("unknown mode accepted")
	}
}
