package models

// Pipeline stage names, in production order. Stages outside this catalog are
// accepted everywhere; the catalog only drives status ordering and display.
const (
	StageBusinessAnalysis = "business_analysis"
	StagePRD              = "prd"
	StageArchitecture     = "architecture"
	StageTaskList         = "task_list"
	StageJiraStories      = "jira_stories"
	StageDevelopment      = "development"
)

// PipelineStages lists the known stages in pipeline order.
var PipelineStages = []string{
	StageBusinessAnalysis,
	StagePRD,
	StageArchitecture,
	StageTaskList,
	StageJiraStories,
	StageDevelopment,
}

// StageIndex returns the position of a stage in the pipeline, or -1 for
// stages outside the catalog.
func StageIndex(name string) int {
	for i, s := range PipelineStages {
		if s == name {
			return i
		}
	}
	return -1
}
