package feedback

import (
	"sort"
	"strings"

	"github.com/crewloop/crew/internal/models"
)

// categoryOrder fixes the rendering order of feedback groups.
var categoryOrder = []models.FeedbackCategory{
	models.FeedbackAdd,
	models.FeedbackChange,
	models.FeedbackRemove,
	models.FeedbackClarify,
	models.FeedbackUnclassified,
}

var categoryTitles = map[models.FeedbackCategory]string{
	models.FeedbackAdd:          "Add",
	models.FeedbackChange:       "Change",
	models.FeedbackRemove:       "Remove",
	models.FeedbackClarify:      "Clarify",
	models.FeedbackUnclassified: "Other",
}

var priorityRank = map[models.FeedbackPriority]int{
	models.PriorityHigh:   0,
	models.PriorityMedium: 1,
	models.PriorityLow:    2,
}

// FormatForAgent renders feedback items as revision instructions for a
// producing stage: grouped by category, highest priority first, original
// order preserved within a priority. The output is deterministic for a given
// item sequence.
func FormatForAgent(items []models.FeedbackItem) string {
	if len(items) == 0 {
		return "No specific feedback provided. Please review and improve as you see fit."
	}

	type indexed struct {
		item models.FeedbackItem
		pos  int
	}
	groups := make(map[models.FeedbackCategory][]indexed)
	for i, item := range items {
		groups[item.Category] = append(groups[item.Category], indexed{item, i})
	}

	var b strings.Builder
	b.WriteString("# Feedback for Revision\n")

	for _, cat := range categoryOrder {
		group := groups[cat]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			ri, rj := priorityRank[group[i].item.Priority], priorityRank[group[j].item.Priority]
			if ri != rj {
				return ri < rj
			}
			return group[i].pos < group[j].pos
		})

		b.WriteString("\n## ")
		b.WriteString(categoryTitles[cat])
		b.WriteString("\n\n")
		for _, g := range group {
			b.WriteString("- [")
			b.WriteString(string(g.item.Priority))
			b.WriteString("] ")
			if g.item.TargetSection != "" {
				b.WriteString("(")
				b.WriteString(g.item.TargetSection)
				b.WriteString(") ")
			}
			b.WriteString(g.item.RawText)
			b.WriteString("\n")
		}
	}
	return b.String()
}
