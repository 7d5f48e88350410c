package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chadiek/call-pilot/internal/provider"
)

// Assistant is the voice assistant placed on every outbound call. SystemPrompt may
// reference {{goal}} and {{customer_number}}.
type Assistant struct {
	Name         string `yaml:"name"`
	FirstMessage string `yaml:"first_message"`
	SystemPrompt string `yaml:"system_prompt"`
	Model        struct {
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
	} `yaml:"model"`
	Voice struct {
		Provider string `yaml:"provider"`
		ID       string `yaml:"id"`
	} `yaml:"voice"`
	Transcriber struct {
		Model    string `yaml:"model"`
		Language string `yaml:"language"`
	} `yaml:"transcriber"`
	EndCallPhrases     []string `yaml:"end_call_phrases"`
	MaxDurationSeconds int      `yaml:"max_duration_seconds"`
}

const defaultSystemPrompt = `You are calling on behalf of a customer. Your goal: {{goal}}.
Navigate phone menus by pressing the right keys, speak briefly and politely, and
never invent account details. If a human can help and the customer asked to be
connected, transfer the call to {{customer_number}}. End the call once the goal is met.`

// DefaultAssistant is used when no assistant file is configured.
func DefaultAssistant() Assistant {
	var a Assistant
	a.Name = "call-pilot"
	a.SystemPrompt = defaultSystemPrompt
	a.Model.Provider = "openai"
	a.Model.Name = "gpt-4o-mini"
	a.Voice.Provider = "11labs"
	a.Voice.ID = "rachel"
	a.Transcriber.Model = "nova-2-phonecall"
	a.Transcriber.Language = "en"
	a.EndCallPhrases = []string{"goodbye", "have a nice day"}
	a.MaxDurationSeconds = 900
	return a
}

// LoadAssistant reads a YAML assistant definition; fields left out keep their defaults.
// An empty path returns DefaultAssistant.
func LoadAssistant(path string) (Assistant, error) {
	a := DefaultAssistant()
	if path == "" {
		return a, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Assistant{}, fmt.Errorf("read assistant config: %w", err)
	}
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Assistant{}, fmt.Errorf("parse assistant config %s: %w", path, err)
	}
	return a, nil
}

// ForCall renders the assistant for a specific call goal.
func (a Assistant) ForCall(goal, customerNumber string) provider.Assistant {
	if customerNumber == "" {
		customerNumber = "(no callback number given; do not transfer)"
	}
	prompt := strings.NewReplacer("{{goal}}", goal, "{{customer_number}}", customerNumber).Replace(a.SystemPrompt)
	return provider.Assistant{
		Name:               a.Name,
		FirstMessage:       a.FirstMessage,
		SystemPrompt:       prompt,
		ModelProvider:      a.Model.Provider,
		Model:              a.Model.Name,
		VoiceProvider:      a.Voice.Provider,
		VoiceID:            a.Voice.ID,
		TranscriberModel:   a.Transcriber.Model,
		Language:           a.Transcriber.Language,
		EndCallPhrases:     a.EndCallPhrases,
		MaxDurationSeconds: a.MaxDurationSeconds,
	}
}
