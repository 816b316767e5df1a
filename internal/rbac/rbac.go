// Package rbac maps the document role flags (author, editor, viewer) to the
// actions a collaborator may take. Roles are advisory flags carried on the
// document; nothing here authenticates anyone.
package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAuthor Role = "author"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAuthor:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAuthor:
		return Role(role)
	default:
		return RoleViewer
	}
}

// For resolves the role a user holds on a document given its author and the
// editor/viewer lists.
func For(userID, author string, editors, viewers []string) Role {
	if userID == author {
		return RoleAuthor
	}
	for _, id := range editors {
		if id == userID {
			return RoleEditor
		}
	}
	for _, id := range viewers {
		if id == userID {
			return RoleViewer
		}
	}
	return RoleNone
}
