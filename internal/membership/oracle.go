// Package membership answers whether a user may act inside a project.
package membership

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/store"
)

type ProjectReader interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
}

type Oracle struct {
	projects ProjectReader
}

func NewOracle(projects ProjectReader) *Oracle {
	return &Oracle{projects: projects}
}

// RoleOf derives a user's role from the project's creator id and member
// list, comparing canonical ids.
func RoleOf(project store.Project, userID string) rbac.Role {
	if store.SameID(project.CreatedBy, userID) {
		return rbac.RoleOwner
	}
	if lo.ContainsBy(project.Members, func(member string) bool { return store.SameID(member, userID) }) {
		return rbac.RoleMember
	}
	return rbac.RoleNone
}

// Participants lists the creator and every member once, in canonical form.
func Participants(project store.Project) []string {
	ids := append([]string{project.CreatedBy}, project.Members...)
	ids = lo.Map(ids, func(id string, _ int) string { return store.CanonicalID(id) })
	return lo.Uniq(lo.Compact(ids))
}

// IsMember reports false for unknown projects; only storage faults are errors.
func (o *Oracle) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	project, err := o.projects.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Persistence(err)
	}
	return RoleOf(project, userID) != rbac.RoleNone, nil
}

// Authorize loads the project and checks action against the user's role.
// Unknown projects are reported as Forbidden so that outsiders cannot discover
// which project ids exist.
func (o *Oracle) Authorize(ctx context.Context, projectID, userID string, action rbac.Action) (store.Project, error) {
	project, err := o.projects.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, apperr.Forbidden("You are not a member of this project")
	}
	if err != nil {
		return store.Project{}, apperr.Persistence(err)
	}
	if !rbac.Can(RoleOf(project, userID), action) {
		return store.Project{}, apperr.Forbidden("You are not allowed to do this in the project")
	}
	return project, nil
}
