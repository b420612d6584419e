package server

// CreateRepositoryRequest registers a tracked repository
type CreateRepositoryRequest struct {
	FullName string `json:"full_name" binding:"required"`
	URL      string `json:"url"`
	Language string `json:"language"`
}

// UpdateRepositoryRequest patches repository fields; nil fields are untouched
type UpdateRepositoryRequest struct {
	FullName *string `json:"full_name"`
	URL      *string `json:"url"`
	Language *string `json:"language"`
}

// CreateIssueRequest registers an issue under a repository
type CreateIssueRequest struct {
	RepositoryID int64    `json:"repository_id"`
	Number       int      `json:"number"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Labels       []string `json:"labels"`
	AIFixPrompt  *string  `json:"ai_fix_prompt"`
}

// UpdateIssueRequest patches issue fields; nil fields are untouched
type UpdateIssueRequest struct {
	Title       *string   `json:"title"`
	Body        *string   `json:"body"`
	Labels      *[]string `json:"labels"`
	Status      *string   `json:"status"`
	AIFixPrompt *string   `json:"ai_fix_prompt"`
}

// CreateAgentRequest registers a coding agent
type CreateAgentRequest struct {
	Name  string `json:"name" binding:"required"`
	Model string `json:"model"`
}

// UpdateAgentRequest patches agent fields; nil fields are untouched
type UpdateAgentRequest struct {
	Name   *string `json:"name"`
	Model  *string `json:"model"`
	Status *string `json:"status"`
}

// SetConfigRequest replaces one persisted configuration value
type SetConfigRequest struct {
	Value string `json:"value"`
}

// PRResponse reports which source produced a workspace's pull request URL
type PRResponse struct {
	PRURL      *string `json:"pr_url"`
	PRNumber   *int    `json:"pr_number"`
	BranchName string  `json:"branch_name"`
	Source     string  `json:"source"`
}
