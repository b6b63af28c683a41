package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewloop/crew/internal/models"
)

func TestBuildRevisionPrompt(t *testing.T) {
	task := &models.TaskDescriptor{
		ProjectID:         "proj-1",
		StageName:         "architecture",
		Content:           "# Architecture\n\nUse MySQL.",
		FormattedFeedback: "# Feedback for Revision\n\n## Change\n\n- [medium] (database choice) change the database choice to Postgres\n",
		RevisionNumber:    1,
		CycleCount:        1,
		MaxCycles:         5,
	}

	prompt := BuildRevisionPrompt(task)

	assert.Contains(t, prompt, "## REVISION REQUIRED")
	assert.Contains(t, prompt, "Revision cycle 1 of 5")
	assert.Contains(t, prompt, "database choice")
	assert.Contains(t, prompt, "Use MySQL.")
	assert.NotContains(t, prompt, "final revision cycle")
}

func TestBuildRevisionPrompt_FinalCycleWarning(t *testing.T) {
	task := &models.TaskDescriptor{
		ProjectID:         "proj-1",
		StageName:         "prd",
		Content:           "doc",
		FormattedFeedback: "# Feedback for Revision\n",
		CycleCount:        5,
		MaxCycles:         5,
	}

	prompt := BuildRevisionPrompt(task)
	assert.Contains(t, prompt, "final revision cycle")
}

func TestBuildRevisionPrompt_PreviousFeedback(t *testing.T) {
	task := &models.TaskDescriptor{
		ProjectID:         "proj-1",
		StageName:         "prd",
		Content:           "doc",
		FormattedFeedback: "# Feedback for Revision\n",
		CycleCount:        2,
		MaxCycles:         5,
		PreviousFeedback: []models.RevisionRecord{
			{
				RevisionNumber: 0,
				Feedback: []models.FeedbackItem{
					{Category: models.FeedbackRemove, RawText: "remove the appendix"},
				},
				Outcome: models.ReviewStatusRejected,
			},
		},
	}

	prompt := BuildRevisionPrompt(task)
	assert.Contains(t, prompt, "Feedback from earlier cycles")
	assert.Contains(t, prompt, "Revision 0:")
	assert.Contains(t, prompt, "remove the appendix")
}
