package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/store"
)

type CreateProjectInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
}

type CreateTaskInput struct {
	Title       string     `json:"title" validate:"required,max=300"`
	Description string     `json:"description" validate:"max=5000"`
	Assignee    string     `json:"assignee"`
	DueDate     *time.Time `json:"due_date"`
	Status      string     `json:"status" validate:"omitempty,oneof='To Do' 'In Progress' Done"`
}

// UpdateTaskInput is a partial update. Absent fields keep their value and
// an empty assignee unassigns the task.
type UpdateTaskInput struct {
	Title       *string    `json:"title" validate:"omitempty,max=300"`
	Description *string    `json:"description" validate:"omitempty,max=5000"`
	Assignee    *string    `json:"assignee"`
	DueDate     *time.Time `json:"due_date"`
	Status      *string    `json:"status" validate:"omitempty,oneof='To Do' 'In Progress' Done"`
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, apperr.Invalid("name is required", map[string]string{"field": "name"})
	}
	project, err := s.store.CreateProject(ctx, store.Project{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   store.CanonicalID(session.UserID),
	})
	if err != nil {
		return store.Project{}, apperr.Persistence(err)
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	return s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionRead)
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return projects, nil
}

// AddMember is owner-only. The added user is told through a notification.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, userID string) (store.Project, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return store.Project{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, apperr.NotFound("User not found")
	}
	if err != nil {
		return store.Project{}, apperr.Persistence(err)
	}
	if membership.RoleOf(project, user.ID) != rbac.RoleNone {
		return store.Project{}, apperr.Conflict("User is already a member of this project")
	}
	if err := s.store.AddProjectMember(ctx, project.ID, user.ID); err != nil {
		return store.Project{}, apperr.Persistence(err)
	}

	s.tellMember(ctx, project, user.ID, fmt.Sprintf("You were added to the project %q.", project.Name))
	return s.reloadProject(ctx, project.ID)
}

func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, userID string) (store.Project, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return store.Project{}, err
	}
	if store.SameID(project.CreatedBy, userID) {
		return store.Project{}, apperr.Invalid("The project owner cannot be removed", map[string]string{"field": "userId"})
	}
	err = s.store.RemoveProjectMember(ctx, project.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, apperr.NotFound("User is not a member of this project")
	}
	if err != nil {
		return store.Project{}, apperr.Persistence(err)
	}

	s.tellMember(ctx, project, userID, fmt.Sprintf("You were removed from the project %q.", project.Name))
	return s.reloadProject(ctx, project.ID)
}

func (s *Service) tellMember(ctx context.Context, project store.Project, userID, text string) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify.Notify(ctx, userID, text, "/projects/"+project.ID); err != nil {
		s.logger.Warn("membership notification failed", "project_id", project.ID, "user_id", userID, "err", err)
	}
}

func (s *Service) reloadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, apperr.Persistence(err)
	}
	return project, nil
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]store.Task, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return tasks, nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input CreateTaskInput) (store.Task, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return store.Task{}, err
	}
	status := store.TaskStatus(input.Status)
	if status == "" {
		status = store.TaskTodo
	}
	if !status.Valid() {
		return store.Task{}, apperr.Invalid("unknown task status", map[string]string{"field": "status"})
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Task{}, apperr.Invalid("title is required", map[string]string{"field": "title"})
	}
	assignee := strings.TrimSpace(input.Assignee)
	if assignee != "" && membership.RoleOf(project, assignee) == rbac.RoleNone {
		return store.Task{}, apperr.Invalid("assignee must be a project member", map[string]string{"field": "assignee"})
	}

	task, err := s.store.CreateTask(ctx, store.Task{
		ProjectID:   project.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Assignee:    store.CanonicalID(assignee),
		DueDate:     input.DueDate,
		Status:      status,
		CreatedBy:   store.CanonicalID(session.UserID),
	})
	if err != nil {
		return store.Task{}, apperr.Persistence(err)
	}
	if assignee != "" && !store.SameID(assignee, session.UserID) {
		s.tellMember(ctx, project, assignee, fmt.Sprintf("You were assigned the task %q in %q.", task.Title, project.Name))
	}
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, projectID, taskID string) (store.Task, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return store.Task{}, err
	}
	return s.findTask(ctx, project.ID, taskID)
}

// UpdateTask is open to every member. A new assignee other than the caller
// is notified.
func (s *Service) UpdateTask(ctx context.Context, session Session, projectID, taskID string, input UpdateTaskInput) (store.Task, error) {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return store.Task{}, err
	}

	patch := store.TaskPatch{DueDate: input.DueDate}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Task{}, apperr.Invalid("title cannot be empty", map[string]string{"field": "title"})
		}
		patch.Title = &title
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		patch.Description = &description
	}
	if input.Status != nil {
		status := store.TaskStatus(*input.Status)
		if !status.Valid() {
			return store.Task{}, apperr.Invalid("unknown task status", map[string]string{"field": "status"})
		}
		patch.Status = &status
	}
	if input.Assignee != nil {
		assignee := strings.TrimSpace(*input.Assignee)
		if assignee != "" && membership.RoleOf(project, assignee) == rbac.RoleNone {
			return store.Task{}, apperr.Invalid("assignee must be a project member", map[string]string{"field": "assignee"})
		}
		assignee = store.CanonicalID(assignee)
		patch.Assignee = &assignee
	}
	if patch.Empty() {
		return store.Task{}, apperr.Invalid("No update data provided", nil)
	}

	before, err := s.findTask(ctx, project.ID, taskID)
	if err != nil {
		return store.Task{}, err
	}
	task, err := s.store.UpdateTask(ctx, project.ID, before.ID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return store.Task{}, apperr.NotFound("Task not found")
	}
	if err != nil {
		return store.Task{}, apperr.Persistence(err)
	}

	if task.Assignee != "" && !store.SameID(task.Assignee, before.Assignee) && !store.SameID(task.Assignee, session.UserID) {
		s.tellMember(ctx, project, task.Assignee, fmt.Sprintf("You were assigned the task %q in %q.", task.Title, project.Name))
	}
	return task, nil
}

// DeleteTask is limited to the project owner and the task's creator.
func (s *Service) DeleteTask(ctx context.Context, session Session, projectID, taskID string) error {
	project, err := s.oracle.Authorize(ctx, projectID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	task, err := s.findTask(ctx, project.ID, taskID)
	if err != nil {
		return err
	}
	if !store.SameID(task.CreatedBy, session.UserID) && membership.RoleOf(project, session.UserID) != rbac.RoleOwner {
		return apperr.Forbidden("Only the project owner or the task creator can delete a task")
	}
	err = s.store.DeleteTask(ctx, project.ID, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Task not found")
	}
	if err != nil {
		return apperr.Persistence(err)
	}
	return nil
}

func (s *Service) findTask(ctx context.Context, projectID, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, projectID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Task{}, apperr.NotFound("Task not found")
	}
	if err != nil {
		return store.Task{}, apperr.Persistence(err)
	}
	return task, nil
}
