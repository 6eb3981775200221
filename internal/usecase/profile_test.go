package usecase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"equitylens/internal/domain"
)

const samplePersona = `# Quantitative

## Specialization

Financial statement analysis and valuation modeling.

## Skills
- DCF modeling
- Ratio analysis

## Personality
- Precise
- Skeptical of narratives

## Instructions
You analyze numbers, not stories.
`

func TestParseProfile(t *testing.T) {
	profile, err := ParseProfile(samplePersona)
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if profile.Name != "Quantitative" {
		t.Errorf("name = %q", profile.Name)
	}
	if profile.Specialization != "Financial statement analysis and valuation modeling." {
		t.Errorf("specialization = %q", profile.Specialization)
	}
	if len(profile.Skills) != 2 || profile.Skills[0] != "DCF modeling" {
		t.Errorf("skills = %v", profile.Skills)
	}
	if len(profile.Personality) != 2 || profile.Personality[1] != "Skeptical of narratives" {
		t.Errorf("personality = %v", profile.Personality)
	}
	if profile.SystemPrompt != samplePersona {
		t.Error("system prompt must be the full document")
	}
}

func TestParseProfileBulletsOutsideSectionsIgnored(t *testing.T) {
	profile, err := ParseProfile("# Agent\n- stray bullet\n## Skills\n- real skill\n")
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if len(profile.Skills) != 1 || profile.Skills[0] != "real skill" {
		t.Errorf("skills = %v", profile.Skills)
	}
}

func TestParseProfileMissingName(t *testing.T) {
	_, err := ParseProfile("## Skills\n- orphaned\n")
	if !errors.Is(err, domain.ErrProfileInvalid) {
		t.Errorf("err = %v, want ErrProfileInvalid", err)
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte(samplePersona), 0o644); err != nil {
		t.Fatal(err)
	}
	profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if profile.Name != "Quantitative" {
		t.Errorf("name = %q", profile.Name)
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("expected error for missing file")
	}
}
