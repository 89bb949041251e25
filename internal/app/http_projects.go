package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"synergysphere/api/internal/store"
)

type projectView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newProjectView(p store.Project) projectView {
	members := p.Members
	if members == nil {
		members = []string{}
	}
	return projectView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedBy:   p.CreatedBy,
		Members:     members,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type taskView struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    *string    `json:"assignee"`
	DueDate     *time.Time `json:"due_date"`
	Status      string     `json:"status"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newTaskView(t store.Task) taskView {
	view := taskView{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Status:      string(t.Status),
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
	}
	if t.Assignee != "" {
		assignee := t.Assignee
		view.Assignee = &assignee
	}
	return view
}

type memberBody struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, newProjectView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": views})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body CreateProjectInput
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	project, err := s.service.CreateProject(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": newProjectView(project)})
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.GetProject(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": newProjectView(project)})
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var body memberBody
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	project, err := s.service.AddMember(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": newProjectView(project)})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.RemoveMember(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": newProjectView(project)})
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body CreateTaskInput
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	task, err := s.service.CreateTask(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": newTaskView(task)})
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": newTaskView(task)})
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body UpdateTaskInput
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	task, err := s.service.UpdateTask(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": newTaskView(task)})
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTask(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.ProjectStats(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *HTTPServer) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.UserStats(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}
