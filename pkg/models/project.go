// Package models contains the persisted records shared by the executor, the
// feed and the API.
package models

import (
	"strings"
	"time"
)

// ProjectStatus represents where a project is in its lifecycle
type ProjectStatus string

const (
	ProjectBrainstorming ProjectStatus = "BRAINSTORMING"
	ProjectVisionReview  ProjectStatus = "VISION_REVIEW"
	ProjectPlanning      ProjectStatus = "PLANNING"
	ProjectInProgress    ProjectStatus = "IN_PROGRESS"
	ProjectPaused        ProjectStatus = "PAUSED"
	ProjectCompleted     ProjectStatus = "COMPLETED"
)

// Project owns executions and, through them, activities
type Project struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	Description   string        `json:"description,omitempty" db:"description"`
	GitHubRepoURL string        `json:"github_repo_url,omitempty" db:"github_repo_url"`
	Status        ProjectStatus `json:"status" db:"status"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// RepoName derives the SCAR workspace name from the repository URL:
// https://github.com/owner/repo.git -> repo
func (p Project) RepoName() string {
	return RepoNameFromURL(p.GitHubRepoURL)
}

// RepoNameFromURL returns the last path segment of url without a .git suffix
func RepoNameFromURL(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}
