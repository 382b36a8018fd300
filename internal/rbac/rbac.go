package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionViewPendingQueue Action = "viewPendingQueue"
	ActionSubmitAnswer     Action = "submitAnswer"
	ActionEditAnswer       Action = "editAnswer"
	ActionManageCategories Action = "manageCategories"
	ActionManageUsers      Action = "manageUsers"
	ActionAskQuestion      Action = "askQuestion"
	ActionViewOwnQuestions Action = "viewOwnQuestions"
)

// Can is the single role/action rule table. It is advisory on clients and
// authoritative here: every privileged route consults it before acting.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionAskQuestion || action == ActionViewOwnQuestions
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
