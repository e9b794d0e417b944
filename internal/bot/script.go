// ABOUTME: Scripted bot replies: greeting, keyword answers, fallback and human-handoff detection.
// ABOUTME: Scripts are static YAML; answers are Markdown rendered to HTML for web clients.

package bot

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"
)

// AgentID is the reserved agent ID of bot-served conversations.
const AgentID = "bot"

// DisplayName is the sender name used on bot messages.
const DisplayName = "Assistant"

// Answer maps keywords to a canned Markdown reply.
type Answer struct {
	Keywords []string `yaml:"keywords"`
	Text     string   `yaml:"answer"`
}

// Script is a complete bot definition.
type Script struct {
	Greeting        string   `yaml:"greeting"`
	Fallback        string   `yaml:"fallback"`
	HandoffReply    string   `yaml:"handoff_reply"`
	HandoffKeywords []string `yaml:"handoff_keywords"`
	Answers         []Answer `yaml:"answers"`
}

// Reply is the bot's response to one citizen message.
type Reply struct {
	Text    string
	Handoff bool
}

// DefaultScript is used when no script file is configured.
func DefaultScript() *Script {
	return &Script{
		Greeting:        "Hello! I can answer common questions. Type **agent** at any time to talk to a person.",
		Fallback:        "Sorry, I did not understand. Type **agent** to talk to a person.",
		HandoffReply:    "Connecting you to an agent. Please wait.",
		HandoffKeywords: []string{"agent", "human", "person", "attendant"},
	}
}

// LoadScript reads a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bot script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing bot script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the script can answer anything at all.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Fallback) == "" {
		return fmt.Errorf("bot script: fallback is required")
	}
	if len(s.HandoffKeywords) == 0 {
		return fmt.Errorf("bot script: at least one handoff keyword is required")
	}
	for i, a := range s.Answers {
		if len(a.Keywords) == 0 || strings.TrimSpace(a.Text) == "" {
			return fmt.Errorf("bot script: answer %d needs keywords and text", i)
		}
	}
	return nil
}

func words(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func matches(ws map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if ws[strings.ToLower(k)] {
			return true
		}
	}
	return false
}

// Respond picks the reply for a citizen message. Handoff keywords win over
// answers; the first matching answer wins over later ones.
func (s *Script) Respond(text string) Reply {
	ws := words(text)
	if matches(ws, s.HandoffKeywords) {
		return Reply{Text: s.HandoffReply, Handoff: true}
	}
	for _, a := range s.Answers {
		if matches(ws, a.Keywords) {
			return Reply{Text: a.Text}
		}
	}
	return Reply{Text: s.Fallback}
}

// RenderHTML converts bot Markdown to HTML. Raw HTML in the source is not passed through.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
