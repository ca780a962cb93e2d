package rbac

type Role string
type Action string

const (
	// RoleOwner is the end user holding the plan.
	RoleOwner   Role = "owner"
	RoleSupport Role = "support"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionExport Action = "export"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOwner:
		return action == ActionRead || action == ActionWrite || action == ActionExport
	case RoleSupport:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps an unknown or missing role claim to RoleOwner, the role of every
// self-service account.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleSupport, RoleAdmin:
		return Role(role)
	default:
		return RoleOwner
	}
}
