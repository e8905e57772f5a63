package routes

import "farmtrack/internal/domain"

// Outcome is the result of a guard check.
type Outcome int

const (
	// OutcomeLoading renders a placeholder while the session is restored.
	OutcomeLoading Outcome = iota
	// OutcomeRedirectLogin sends the visitor to the login page. The attempted
	// destination is not preserved.
	OutcomeRedirectLogin
	// OutcomeDenied renders an access-denied page in place.
	OutcomeDenied
	// OutcomeAdmit renders the guarded content.
	OutcomeAdmit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoading:
		return "loading"
	case OutcomeRedirectLogin:
		return "redirect_login"
	case OutcomeDenied:
		return "denied"
	case OutcomeAdmit:
		return "admit"
	}
	return "unknown"
}

// Decision carries the outcome and, for redirects, the location.
type Decision struct {
	Outcome  Outcome
	Location string
}

// DeniedMessage is shown in place of denied content.
const DeniedMessage = "Access Denied: You don't have permission to view this page."

// Guard decides admission for a protected view.
func Guard(required []domain.Role, id *domain.Identity, loading bool) Decision {
	if loading {
		return Decision{Outcome: OutcomeLoading}
	}
	if id == nil {
		return Decision{Outcome: OutcomeRedirectLogin, Location: Login}
	}
	if len(required) > 0 && !hasRole(required, id.Role) {
		return Decision{Outcome: OutcomeDenied}
	}
	return Decision{Outcome: OutcomeAdmit}
}

// Redirect is the role redirector: once loading has resolved and an identity
// is present it yields the role's dashboard; otherwise it yields nothing.
func Redirect(id *domain.Identity, loading bool) (string, bool) {
	if loading || id == nil {
		return "", false
	}
	return ResolvePath(id.Role), true
}

func hasRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
