package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the caller's conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is a system instruction plus an ordered list of turns. The last turn
// is the one the model is expected to answer.
type Prompt struct {
	System string
	Turns  []Turn
}

// UserPrompt builds a single-turn prompt.
func UserPrompt(system, user string) Prompt {
	return Prompt{System: system, Turns: []Turn{{Role: RoleUser, Content: user}}}
}

type Generator interface {
	Generate(ctx context.Context, prompt Prompt, temperature float64) (string, error)
}

var ErrNotConfigured = errors.New("llm provider is not configured")

// ServiceError wraps a failed call to the hosted model: transport errors,
// non-2xx responses and empty completions.
type ServiceError struct {
	Provider string
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewServiceError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var existing *ServiceError
	if errors.As(err, &existing) {
		return err
	}
	return &ServiceError{Provider: provider, Err: err}
}

// Suffix returns the last n turns of history. n <= 0 yields no turns.
func Suffix(history []Turn, n int) []Turn {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// RenderHistory flattens turns into a transcript block for prompts that carry
// history as text.
func RenderHistory(turns []Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate rejects prompts with no user turn to answer.
func (p Prompt) Validate() error {
	if len(p.Turns) == 0 {
		return fmt.Errorf("prompt has no turns")
	}
	if p.Turns[len(p.Turns)-1].Role != RoleUser {
		return fmt.Errorf("prompt must end with a user turn")
	}
	return nil
}
