package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// AssistantCapability answers general queries and points the user at the
// analyses this service can run.
type AssistantCapability struct {
	logger *zap.Logger
}

// NewAssistant builds the assistant capability.
func NewAssistant(logger *zap.Logger) *AssistantCapability {
	return &AssistantCapability{logger: logger}
}

func (a *AssistantCapability) Name() Name { return Assistant }

func (a *AssistantCapability) Execute(ctx context.Context, in Input) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrBadInput)
	}

	var b strings.Builder
	b.WriteString("I can help with export risk analysis for your equipment schedule.\n\n")
	b.WriteString("Available analyses:\n")
	b.WriteString("- Schedule risk: ask about delivery delays or schedule slippage to get the delayed items and their variance.\n")
	b.WriteString("- Political risk: ask about political or country risk to get a schedule analysis followed by sourced political context for the affected countries.\n")
	b.WriteString("- Both produce a markdown risk report you can download.\n")

	a.logger.Debug("assistant responded",
		zap.String("session_id", in.SessionID),
		zap.String("cycle_id", in.CycleID),
	)
	return &Output{Text: b.String()}, nil
}
