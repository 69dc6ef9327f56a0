package session

import "github.com/StricklySoft/stricklysoft-rolesync/pkg/role"

// Action is what a protected page should do with the current outcome.
type Action string

const (
	// ActionWait renders a loading indicator. Nothing else happens until
	// resolution settles.
	ActionWait Action = "wait"
	// ActionAllow renders the page.
	ActionAllow Action = "allow"
	// ActionRedirect navigates to Decision.Redirect.
	ActionRedirect Action = "redirect"
)

// Decision is the result of [Guard].
type Decision struct {
	Action   Action `json:"action"`
	Redirect string `json:"redirect,omitempty"`
}

// Guard decides whether a page that requires role required may render
// for o. A mismatched role is redirected to its own dashboard, never to
// the required one.
func Guard(o Outcome, required role.Role, routes Routes) Decision {
	switch o.State {
	case StateResolved:
		if o.Role == required {
			return Decision{Action: ActionAllow}
		}
		return Decision{Action: ActionRedirect, Redirect: routes.Dashboard(o.Role)}
	case StateUnauthenticated:
		return Decision{Action: ActionRedirect, Redirect: routes.SignIn}
	case StateNeedsRole:
		return Decision{Action: ActionRedirect, Redirect: routes.SelectRole}
	default:
		return Decision{Action: ActionWait}
	}
}
