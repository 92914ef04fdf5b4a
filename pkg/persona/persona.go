// Package persona renders the bot's voice: the system prompt and the
// canned replies for tiers that never reach generation. Operators ship a
// YAML bundle to override any key; missing keys fall back to built-in
// defaults so a bot with no bundle still answers coherently.
package persona

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// Bundle template keys
const (
	KeySystemPrompt      = "system_prompt"
	KeyFallbackMessage   = "fallback_message"
	KeyEscalationMessage = "escalation_message"
	KeyOffTopicMessage   = "off_topic_message"
)

// Vars is the data available to every bundle template.
type Vars struct {
	CompanyName    string
	ProductName    string
	Tone           string
	Sources        string
	ConfidenceTier string
}

// Manager resolves and renders persona templates.
type Manager struct {
	mu        sync.RWMutex
	overrides map[string]string
	defaults  map[string]string

	CompanyName string
	ProductName string
	Tone        string
}

// NewManager creates a persona manager with built-in defaults.
func NewManager(companyName, productName, tone string) *Manager {
	m := &Manager{
		overrides:   make(map[string]string),
		defaults:    make(map[string]string),
		CompanyName: companyName,
		ProductName: productName,
		Tone:        tone,
	}
	m.loadDefaults()
	return m
}

// LoadBundle reads a YAML bundle of template overrides. Unknown keys are
// rejected so a typo cannot silently leave a default in place.
func (m *Manager) LoadBundle(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read persona bundle %s: %w", path, err)
	}

	var bundle map[string]string
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("%w: invalid persona bundle %s: %v", domain.ErrConfigurationError, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, content := range bundle {
		if _, known := m.defaults[key]; !known {
			return fmt.Errorf("%w: unknown persona key %q in %s", domain.ErrConfigurationError, key, path)
		}
		m.overrides[key] = content
	}
	return nil
}

// Set overrides a single template, used by tests and the CLI.
func (m *Manager) Set(key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key] = content
}

func (m *Manager) get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.overrides[key]; ok {
		return t
	}
	return m.defaults[key]
}

// Render renders the template for key with sources and tier filled in.
func (m *Manager) Render(key string, sources string, tier domain.ConfidenceTier) (string, error) {
	content := m.get(key)
	if content == "" {
		return "", fmt.Errorf("%w: no persona template for key %q", domain.ErrConfigurationError, key)
	}

	tmpl, err := template.New(key).Parse(content)
	if err != nil {
		return "", fmt.Errorf("%w: persona template %q: %v", domain.ErrConfigurationError, key, err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, Vars{
		CompanyName:    m.CompanyName,
		ProductName:    m.ProductName,
		Tone:           m.Tone,
		Sources:        sources,
		ConfidenceTier: string(tier),
	})
	if err != nil {
		return "", fmt.Errorf("%w: persona template %q: %v", domain.ErrConfigurationError, key, err)
	}
	return buf.String(), nil
}

// SystemPrompt builds the generation system prompt with retrieved
// context inlined.
func (m *Manager) SystemPrompt(sources string, tier domain.ConfidenceTier) (string, error) {
	return m.Render(KeySystemPrompt, sources, tier)
}

// FallbackMessage is the canned reply for the DECLINE tier.
func (m *Manager) FallbackMessage() (string, error) {
	return m.Render(KeyFallbackMessage, "", domain.TierDecline)
}

// EscalationMessage is the canned reply for the ESCALATE tier.
func (m *Manager) EscalationMessage() (string, error) {
	return m.Render(KeyEscalationMessage, "", domain.TierEscalate)
}

// OffTopicMessage is the canned reply for the OFF_TOPIC tier.
func (m *Manager) OffTopicMessage() (string, error) {
	return m.Render(KeyOffTopicMessage, "", domain.TierOffTopic)
}

// BuildAmbiguityPrompt asks the user to pick between the topics the
// retrieval spread across. At most three topics are named.
func (m *Manager) BuildAmbiguityPrompt(topics []string) string {
	if len(topics) > 3 {
		topics = topics[:3]
	}
	quoted := make([]string, len(topics))
	for i, topic := range topics {
		quoted[i] = fmt.Sprintf("%q", topic)
	}
	return fmt.Sprintf(
		"I found information about %s. Which of these are you asking about?",
		strings.Join(quoted, " and "),
	)
}

func (m *Manager) loadDefaults() {
	m.defaults[KeySystemPrompt] = `You are a customer support assistant for {{.CompanyName}}{{if .ProductName}}, helping users of {{.ProductName}}{{end}}. Your tone is {{.Tone}}.

Answer the user's question using ONLY the documentation excerpts below. If the excerpts do not contain the answer, say you don't have that information rather than guessing. Never invent product behavior, prices, or policies.

Documentation excerpts:
{{.Sources}}`

	m.defaults[KeyFallbackMessage] = `I'm not confident I have accurate information about that. Could you rephrase your question, or ask about something more specific? You can also contact {{.CompanyName}} support directly.`

	m.defaults[KeyEscalationMessage] = `I wasn't able to find a reliable answer to that question. I've flagged it for our support team, and someone will follow up with you shortly.`

	m.defaults[KeyOffTopicMessage] = `I can only help with questions about {{if .ProductName}}{{.ProductName}}{{else}}{{.CompanyName}}{{end}}. Is there something about it I can help you with?`
}
