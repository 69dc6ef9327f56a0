package session

import "github.com/StricklySoft/stricklysoft-rolesync/pkg/role"

// Routes are the client destinations a settled outcome maps to.
type Routes struct {
	Student    string `json:"student" yaml:"student"`
	Investor   string `json:"investor" yaml:"investor"`
	SignIn     string `json:"sign_in" yaml:"sign_in"`
	SelectRole string `json:"select_role" yaml:"select_role"`
}

// DefaultRoutes returns the marketplace's standard destinations.
func DefaultRoutes() Routes {
	return Routes{
		Student:    "/student-dashboard",
		Investor:   "/investor-dashboard",
		SignIn:     "/auth",
		SelectRole: "/auth/select-role",
	}
}

// For returns the destination for o, or "" while resolution is not
// settled.
func (r Routes) For(o Outcome) string {
	switch o.State {
	case StateUnauthenticated:
		return r.SignIn
	case StateNeedsRole:
		return r.SelectRole
	case StateResolved:
		return r.Dashboard(o.Role)
	default:
		return ""
	}
}

// Dashboard returns the home route for rl, or the role selection route
// when rl is not a valid role.
func (r Routes) Dashboard(rl role.Role) string {
	switch rl {
	case role.Student:
		return r.Student
	case role.Investor:
		return r.Investor
	default:
		return r.SelectRole
	}
}
