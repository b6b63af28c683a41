package producer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/crewloop/crew/internal/models"
)

// AnthropicProducer revises stage artifacts via the Anthropic API.
type AnthropicProducer struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropic creates a producer with the given API key and model.
func NewAnthropic(apiKey, model string) *AnthropicProducer {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProducer{
		api:   &client,
		model: anthropic.Model(model),
	}
}

const reviseSystemPrompt = `You revise documents produced by an automated content pipeline based on structured reviewer feedback. You receive the current document and a categorized feedback list.

Rules:
- Address every feedback item; high-priority items take precedence when items conflict
- Preserve the document's format, headings, and sections that the feedback does not touch
- Do not remove content unless a Remove item asks for it
- Answer Clarify items by expanding the relevant section in place
- Return ONLY the full revised document, no commentary or markdown fencing around it`

// BuildRevisionPrompt renders the user prompt for a revision task: the cycle
// position, the formatted feedback, summaries of feedback from earlier
// cycles, and the current artifact.
func BuildRevisionPrompt(task *models.TaskDescriptor) string {
	var sb strings.Builder
	sb.WriteString("## REVISION REQUIRED\n\n")
	fmt.Fprintf(&sb, "Stage: %s (project %s)\n", task.StageName, task.ProjectID)
	fmt.Fprintf(&sb, "Revision cycle %d of %d.\n", task.CycleCount, task.MaxCycles)
	if task.CycleCount == task.MaxCycles {
		sb.WriteString("This is the final revision cycle; the next rejection will force-approve the artifact, so resolve all feedback now.\n")
	}

	sb.WriteString("\n")
	sb.WriteString(task.FormattedFeedback)

	if len(task.PreviousFeedback) > 0 {
		sb.WriteString("\n## Feedback from earlier cycles\n\n")
		sb.WriteString("Do not reintroduce choices these already rejected:\n")
		for _, rec := range task.PreviousFeedback {
			fmt.Fprintf(&sb, "\nRevision %d:\n", rec.RevisionNumber)
			for _, item := range rec.Feedback {
				fmt.Fprintf(&sb, "- [%s] %s\n", item.Category, item.RawText)
			}
		}
	}

	sb.WriteString("\n## Current document\n\n")
	sb.WriteString(task.Content)
	return sb.String()
}

// Revise sends the task to the LLM and returns the revised document.
func (p *AnthropicProducer) Revise(ctx context.Context, task *models.TaskDescriptor) (string, error) {
	userPrompt := BuildRevisionPrompt(task)

	msg, err := p.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: reviseSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	return text, nil
}
