package rbac

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Can reports whether role may perform action inside a project. Reading and
// writing chat, tasks and history are open to every participant; managing
// the member list is reserved for the creator.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action == ActionRead || action == ActionWrite || action == ActionManage
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

