package auth

import (
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/storage"
)

//go:embed templates/*.tmpl.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl.html"))

const (
	sessionCookieName = "idsrv_session"

	paramReturnTo = "return_to"
)

// PasswordChecker verifies a username and password. *profile.Store
// implements it.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, username, password string) (*profile.User, error)
}

var (
	_ Authenticator   = (*SessionAuthenticator)(nil)
	_ ConsentProvider = (*SessionAuthenticator)(nil)
)

// SessionAuthenticator is a username and password login, with the session
// tracked by a cookie referencing the session store. It also renders the
// consent page.
type SessionAuthenticator struct {
	Sessions *storage.SessionStore
	Users    PasswordChecker
	// SessionDuration is how long a login lasts.
	SessionDuration time.Duration
	// SecureCookies sets the Secure flag, it should be on unless serving
	// plain http for development.
	SecureCookies bool
	// ProductName is shown in page titles.
	ProductName string
	// BasePath is prepended to our own paths, for when the server is mounted
	// below the root.
	BasePath string
}

func (a *SessionAuthenticator) AddHandlers(r chi.Router) {
	r.Get("/login", a.HandleLoginPage)
	r.Post("/login", a.HandleLogin)
	r.Get("/logout", a.HandleLogout)
}

func (a *SessionAuthenticator) CurrentUser(r *http.Request) (*Identity, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	sess, found, err := a.Sessions.Get(r.Context(), c.Value)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &Identity{Subject: sess.Subject, AuthTime: sess.AuthTime}, nil
}

func (a *SessionAuthenticator) TriggerLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	http.Redirect(w, r, a.BasePath+"/login?"+url.Values{paramReturnTo: {returnTo}}.Encode(), http.StatusSeeOther)
}

type layoutData struct {
	Title string
}

type loginData struct {
	layoutData
	Action   string
	ReturnTo string
	Username string
	Error    string
}

func (a *SessionAuthenticator) title(page string) string {
	name := a.ProductName
	if name == "" {
		name = "idsrv"
	}
	return page + " - " + name
}

func (a *SessionAuthenticator) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, r, http.StatusOK, loginData{
		ReturnTo: safeReturnTo(r.URL.Query().Get(paramReturnTo)),
	})
}

func (a *SessionAuthenticator) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginData) {
	data.Title = a.title("Login")
	data.Action = a.BasePath + "/login"
	render(w, r, status, "login.tmpl.html", data)
}

func (a *SessionAuthenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnTo := safeReturnTo(r.PostForm.Get(paramReturnTo))

	if r.PostForm.Has("cancel") {
		http.Redirect(w, r, withCancel(returnTo), http.StatusSeeOther)
		return
	}

	username := r.PostForm.Get("username")
	user, err := a.Users.CheckPassword(r.Context(), username, r.PostForm.Get("password"))
	if errors.Is(err, profile.ErrInvalidCredentials) {
		slog.WarnContext(r.Context(), "login failed", "username", username)
		a.renderLogin(w, r, http.StatusUnauthorized, loginData{
			ReturnTo: returnTo,
			Username: username,
			Error:    "Invalid username or password",
		})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "checking password", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	sess := &storage.Session{
		ID:        rand.Text(),
		Subject:   user.ID,
		AuthTime:  now,
		ExpiresAt: now.Add(a.SessionDuration),
	}
	if err := a.Sessions.Put(r.Context(), sess); err != nil {
		slog.ErrorContext(r.Context(), "storing session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	slog.InfoContext(r.Context(), "login succeeded", "sub", user.ID, "username", user.Username)
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

func (a *SessionAuthenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if err := a.Sessions.Delete(r.Context(), c.Value); err != nil {
			slog.ErrorContext(r.Context(), "deleting session", "err", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, safeReturnTo(r.URL.Query().Get(paramReturnTo)), http.StatusSeeOther)
}

type consentData struct {
	layoutData
	ConsentPrompt
	FieldPendingID string
	FieldDecision  string
	FieldRemember  string
	FieldScope     string
	Approve        string
	Deny           string
}

func (a *SessionAuthenticator) RenderConsent(w http.ResponseWriter, r *http.Request, prompt ConsentPrompt) {
	render(w, r, http.StatusOK, "consent.tmpl.html", consentData{
		layoutData:     layoutData{Title: a.title("Authorize " + prompt.ClientName)},
		ConsentPrompt:  prompt,
		FieldPendingID: FormFieldPendingID,
		FieldDecision:  FormFieldDecision,
		FieldRemember:  FormFieldRemember,
		FieldScope:     FormFieldScope,
		Approve:        DecisionApprove,
		Deny:           DecisionDeny,
	})
}

func withCancel(returnTo string) string {
	u, err := url.Parse(returnTo)
	if err != nil {
		return "/"
	}
	q := u.Query()
	q.Set("cancel", "1")
	u.RawQuery = q.Encode()
	return u.String()
}

func render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		slog.ErrorContext(r.Context(), "rendering template", "template", name, "err", err)
	}
}
