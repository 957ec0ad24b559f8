// Package thinking maps a reasoning-budget level onto concrete LLM call
// parameters. The level set is closed and ordered; temperature and token
// ceiling never decrease as the level rises.
package thinking

import (
	"fmt"
	"strings"

	"github.com/sentience-labs/warden/pkg/textfold"
)

// Level is one of the six ordered reasoning-budget levels.
type Level string

const (
	LevelOff     Level = "off"
	LevelMinimal Level = "minimal"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelXHigh   Level = "xhigh"
)

// DefaultLevel is used when no level has been chosen for a session.
const DefaultLevel = LevelMedium

// Levels lists all levels in ascending order of reasoning budget.
var Levels = []Level{LevelOff, LevelMinimal, LevelLow, LevelMedium, LevelHigh, LevelXHigh}

// IsValid reports whether l is one of the six defined levels.
func (l Level) IsValid() bool {
	switch l {
	case LevelOff, LevelMinimal, LevelLow, LevelMedium, LevelHigh, LevelXHigh:
		return true
	default:
		return false
	}
}

// Rank returns the position of l in the ordered level set, or -1 if invalid.
func (l Level) Rank() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// Params are the LLM call parameters derived from a level.
type Params struct {
	Temperature  float64
	MaxTokens    int
	SystemSuffix string
}

// ParamsFor returns the call parameters for level. It is total: an invalid
// level gets the default level's parameters.
func ParamsFor(level Level) Params {
	switch level {
	case LevelOff:
		return Params{
			Temperature: 0.2,
			MaxTokens:   512,
		}
	case LevelMinimal:
		return Params{
			Temperature:  0.3,
			MaxTokens:    768,
			SystemSuffix: "Answer directly and briefly.",
		}
	case LevelLow:
		return Params{
			Temperature:  0.5,
			MaxTokens:    1024,
			SystemSuffix: "Consider the question briefly before answering.",
		}
	case LevelHigh:
		return Params{
			Temperature:  0.8,
			MaxTokens:    4096,
			SystemSuffix: "Reason step by step. Check each step before moving on, and verify the final answer against the question.",
		}
	case LevelXHigh:
		return Params{
			Temperature:  0.9,
			MaxTokens:    8192,
			SystemSuffix: "Reason step by step in depth. Enumerate alternatives, critique your own reasoning, and revise before settling on a final answer.",
		}
	default: // medium, and anything unrecognized
		return Params{
			Temperature:  0.7,
			MaxTokens:    2048,
			SystemSuffix: "Think through the problem step by step before answering.",
		}
	}
}

// RenderCommand produces the chat command that selects level, using the
// configured prefix: "<prefix>:<level>".
func RenderCommand(prefix string, level Level) string {
	return fmt.Sprintf("%s:%s", prefix, level)
}

// ParseCommand extracts a level-selection command from a free-text message.
// The message is folded before matching so homoglyph variants of the prefix
// or level cannot slip past. Returns ok=false when the message is not a
// level command; an unknown level after a valid prefix is also not a command.
func ParseCommand(prefix, message string) (Level, bool) {
	folded := strings.TrimSpace(textfold.FoldLower(message))
	head := textfold.FoldLower(prefix) + ":"
	if !strings.HasPrefix(folded, head) {
		return "", false
	}
	level := Level(strings.TrimSpace(strings.TrimPrefix(folded, head)))
	if !level.IsValid() {
		return "", false
	}
	return level, true
}
