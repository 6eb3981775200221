package usecase

import (
	"os"
	"strings"

	"equitylens/internal/domain"
)

// LoadProfile reads a persona definition file and parses it.
func LoadProfile(path string) (*domain.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapOp("load profile", err)
	}
	return ParseProfile(string(data))
}

// ParseProfile extracts an agent persona from its markdown definition.
// The document doubles as the system prompt: the header and bullet
// sections are metadata, the full text is what the model sees.
func ParseProfile(content string) (*domain.AgentProfile, error) {
	var (
		name           string
		skills         []string
		personality    []string
		specialization string
		section        string
	)

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(stripped, "# ") && name == "":
			name = strings.TrimSpace(stripped[2:])
		case strings.HasPrefix(stripped, "## Skills"):
			section = "skills"
		case strings.HasPrefix(stripped, "## Personality"):
			section = "personality"
		case strings.HasPrefix(stripped, "## Specialization"):
			section = "specialization"
		case strings.HasPrefix(stripped, "##"):
			section = ""
		case strings.HasPrefix(stripped, "- ") && section == "skills":
			skills = append(skills, strings.TrimSpace(stripped[2:]))
		case strings.HasPrefix(stripped, "- ") && section == "personality":
			personality = append(personality, strings.TrimSpace(stripped[2:]))
		case stripped != "" && section == "specialization" && !strings.HasPrefix(stripped, "#"):
			specialization = stripped
			section = ""
		}
	}

	if name == "" {
		return nil, domain.NewDomainError("ParseProfile", domain.ErrProfileInvalid,
			"persona definition must open with a # name header")
	}

	return &domain.AgentProfile{
		Name:           name,
		Skills:         skills,
		Personality:    personality,
		Specialization: specialization,
		SystemPrompt:   content,
	}, nil
}
