package domain

// Role 调用者角色
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleOfficer Role = "officer"
	RoleAdmin   Role = "admin"
)

// Actor identifies the caller of an engine operation.
type Actor struct {
	UserID string
	Name   string
	Role   Role
}

// CanReview reports whether the actor may approve, reject or otherwise administer records.
func (a Actor) CanReview() bool {
	return a.Role == RoleAdmin || a.Role == RoleOfficer
}

// RequireReviewer returns a ForbiddenError unless the actor can review.
func (a Actor) RequireReviewer(action string) error {
	if a.UserID == "" || !a.CanReview() {
		return &ForbiddenError{Action: action, Role: a.Role}
	}
	return nil
}

// RequireIdentified returns a ForbiddenError for anonymous callers.
func (a Actor) RequireIdentified(action string) error {
	if a.UserID == "" {
		return &ForbiddenError{Action: action, Role: a.Role}
	}
	return nil
}
