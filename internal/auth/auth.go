// Package auth holds the login and consent collaborators the authorization
// endpoint hands the user agent off to, and a built in implementation of both
// backed by the profile store.
package auth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"lds.li/idsrv/internal/config"
)

// Identity is an authenticated end user.
type Identity struct {
	Subject  string
	AuthTime time.Time
}

// Authenticator establishes who the user is.
type Authenticator interface {
	// CurrentUser returns the logged in user for the request, or nil if
	// there is none.
	CurrentUser(r *http.Request) (*Identity, error)
	// TriggerLogin sends the user agent off to log in. Once they have, it is
	// redirected to returnTo. If the user cancels, returnTo is called with
	// cancel=1 set.
	TriggerLogin(w http.ResponseWriter, r *http.Request, returnTo string)
}

// ConsentPrompt is what the user is asked to approve.
type ConsentPrompt struct {
	// PendingID correlates the decision with the authorization request.
	PendingID string
	// FormAction is where the decision is POSTed.
	FormAction    string
	ClientName    string
	Scopes        []config.Scope
	AllowRemember bool
}

// Consent form fields posted to ConsentPrompt.FormAction.
const (
	FormFieldPendingID = "id"
	FormFieldDecision  = "decision"
	FormFieldRemember  = "remember"
	FormFieldScope     = "scope"

	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// ConsentProvider asks the user to approve a client's access.
type ConsentProvider interface {
	RenderConsent(w http.ResponseWriter, r *http.Request, prompt ConsentPrompt)
}

// safeReturnTo only allows local, absolute path redirects.
func safeReturnTo(returnTo string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, "/\\") {
		return "/"
	}
	u, err := url.Parse(returnTo)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return returnTo
}
