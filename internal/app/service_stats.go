package app

import (
	"context"

	"github.com/samber/lo"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/store"
)

type ProjectStats struct {
	MemberCount   int            `json:"member_count"`
	TotalTasks    int            `json:"total_tasks"`
	TasksByStatus map[string]int `json:"task_status_breakdown"`
}

type UserStats struct {
	ProjectsCount int            `json:"projects_count"`
	AssignedTasks int            `json:"assigned_tasks_count"`
	TasksByStatus map[string]int `json:"task_status_breakdown"`
}

func tasksByStatus(tasks []store.Task) map[string]int {
	return lo.CountValuesBy(tasks, func(t store.Task) string { return string(t.Status) })
}

// ProjectStats counts the owner as a member.
func (s *Service) ProjectStats(ctx context.Context, session Session, projectID string) (ProjectStats, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return ProjectStats{}, err
	}
	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return ProjectStats{}, apperr.Persistence(err)
	}
	return ProjectStats{
		MemberCount:   len(membership.Participants(project)),
		TotalTasks:    len(tasks),
		TasksByStatus: tasksByStatus(tasks),
	}, nil
}

// UserStats covers the caller's projects and the tasks assigned to them
// across those projects.
func (s *Service) UserStats(ctx context.Context, session Session) (UserStats, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return UserStats{}, apperr.Persistence(err)
	}
	var assigned []store.Task
	for _, project := range projects {
		tasks, err := s.store.ListTasks(ctx, project.ID)
		if err != nil {
			return UserStats{}, apperr.Persistence(err)
		}
		assigned = append(assigned, lo.Filter(tasks, func(t store.Task, _ int) bool {
			return store.SameID(t.Assignee, session.UserID)
		})...)
	}
	return UserStats{
		ProjectsCount: len(projects),
		AssignedTasks: len(assigned),
		TasksByStatus: tasksByStatus(assigned),
	}, nil
}
