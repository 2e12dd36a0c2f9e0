package oidcsvr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/config"
)

func TestUserCodes(t *testing.T) {
	re := regexp.MustCompile(`^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`)
	for range 50 {
		if c := newUserCode(); !re.MatchString(c) {
			t.Fatalf("malformed user code %s", c)
		}
	}

	for in, want := range map[string]string{
		"BCDF-GHJK":   "BCDF-GHJK",
		"bcdfghjk":    "BCDF-GHJK",
		" bcdf ghjk ": "BCDF-GHJK",
		"bcd":         "BCD",
	} {
		if got := normalizeUserCode(in); got != want {
			t.Errorf("normalizeUserCode(%q): expected %s, got %s", in, want, got)
		}
	}
}

type deviceStart struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

func (e *testEnv) startDevice(t *testing.T, scope string) deviceStart {
	t.Helper()
	rec := e.backchannel(PathDeviceAuthorization, "tv", "", url.Values{"scope": {scope}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected device authorization to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	var ds deviceStart
	if err := json.Unmarshal(rec.Body.Bytes(), &ds); err != nil {
		t.Fatal(err)
	}
	return ds
}

func deviceTokenForm(deviceCode string) url.Values {
	return url.Values{"grant_type": {config.GrantTypeDeviceCode}, "device_code": {deviceCode}}
}

func TestDeviceFlow(t *testing.T) {
	env := newTestEnv(t)
	ds := env.startDevice(t, "openid profile offline_access")

	if ds.VerificationURI != testIssuer+PathDevice {
		t.Errorf("unexpected verification uri %s", ds.VerificationURI)
	}
	if !strings.HasSuffix(ds.VerificationURIComplete, "?user_code="+ds.UserCode) {
		t.Errorf("unexpected complete verification uri %s", ds.VerificationURIComplete)
	}
	if ds.ExpiresIn != 600 || ds.Interval != 5 {
		t.Errorf("unexpected timings %d/%d", ds.ExpiresIn, ds.Interval)
	}

	_, body := env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if body["error"] != ErrCodeAuthorizationPending {
		t.Fatalf("expected authorization_pending, got %v", body)
	}
	_, body = env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if body["error"] != ErrCodeSlowDown {
		t.Fatalf("expected slow_down, got %v", body)
	}

	// the verification page needs a login.
	rec := env.do(httptest.NewRequest(http.MethodGet, PathDevice+"?user_code="+ds.UserCode, nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected login redirect, got %d", rec.Code)
	}

	// the code is accepted however it is typed.
	typed := strings.ToLower(strings.ReplaceAll(ds.UserCode, "-", ""))
	req := httptest.NewRequest(http.MethodGet, PathDevice+"?user_code="+typed, nil)
	req.Header.Set(testUserHdr, "alice")
	rec = env.do(req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), ds.UserCode) || !strings.Contains(rec.Body.String(), "User profile") {
		t.Fatalf("expected confirmation page, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.postForm(PathDevice, "alice", url.Values{"user_code": {typed}, auth.FormFieldDecision: {auth.DecisionApprove}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "is now connected") {
		t.Fatalf("expected approval page, got %d: %s", rec.Code, rec.Body.String())
	}
	// a code can only be used once.
	rec = env.postForm(PathDevice, "alice", url.Values{"user_code": {typed}, auth.FormFieldDecision: {auth.DecisionApprove}})
	if !strings.Contains(rec.Body.String(), "already been used") {
		t.Errorf("expected used code error, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, body = env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected tokens, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, k := range []string{"access_token", "id_token", "refresh_token"} {
		if body[k] == nil {
			t.Errorf("expected %s in response", k)
		}
	}
	at, err := env.srv.Verifier.VerifyAccessToken(t.Context(), body["access_token"].(string))
	if err != nil || at.Subject != "alice" || at.ClientID != "tv" {
		t.Fatalf("unexpected access token %+v %v", at, err)
	}

	rec, refreshed := env.token("tv", "", refreshForm(body["refresh_token"].(string)))
	if rec.Code != http.StatusOK || refreshed["access_token"] == nil {
		t.Errorf("expected device refresh token to work, got %d %v", rec.Code, refreshed)
	}

	// the device code is gone once redeemed.
	_, body = env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if body["error"] != ErrCodeInvalidGrant {
		t.Errorf("expected invalid_grant on reuse, got %v", body)
	}
}

func TestDeviceFlowDenied(t *testing.T) {
	env := newTestEnv(t)
	ds := env.startDevice(t, "openid")

	rec := env.postForm(PathDevice, "alice", url.Values{"user_code": {ds.UserCode}, auth.FormFieldDecision: {auth.DecisionDeny}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "denied") {
		t.Fatalf("expected denial page, got %d: %s", rec.Code, rec.Body.String())
	}
	_, body := env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if body["error"] != ErrCodeAccessDenied {
		t.Errorf("expected access_denied, got %v", body)
	}
}

func TestDeviceCodeOtherClient(t *testing.T) {
	env := newTestEnv(t)
	ds := env.startDevice(t, "openid")

	rec := env.postForm(PathDevice, "alice", url.Values{"user_code": {ds.UserCode}, auth.FormFieldDecision: {auth.DecisionApprove}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected approval page, got %d: %s", rec.Code, rec.Body.String())
	}

	_, body := env.token("console", "", deviceTokenForm(ds.DeviceCode))
	if body["error"] != ErrCodeInvalidGrant {
		t.Fatalf("expected invalid_grant for another client, got %v", body)
	}

	// the approval is still there for the device it was issued to.
	rec, body = env.token("tv", "", deviceTokenForm(ds.DeviceCode))
	if rec.Code != http.StatusOK || body["access_token"] == nil {
		t.Fatalf("expected tokens for the issuing client, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeviceAuthorizationErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.backchannel(PathDeviceAuthorization, "web", "web-secret", url.Values{"scope": {"openid"}})
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != ErrCodeUnauthorizedClient {
		t.Errorf("expected unauthorized_client for a client without the grant, got %d %v", rec.Code, body)
	}

	rec = env.backchannel(PathDeviceAuthorization, "tv", "", url.Values{"scope": {"openid nope"}})
	body = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != ErrCodeInvalidScope {
		t.Errorf("expected invalid_scope, got %d %v", rec.Code, body)
	}

	req := httptest.NewRequest(http.MethodGet, PathDevice+"?user_code=BCDF-GHJK", nil)
	req.Header.Set(testUserHdr, "alice")
	rec = env.do(req)
	if !strings.Contains(rec.Body.String(), "not valid") {
		t.Errorf("expected unknown code message, got %d: %s", rec.Code, rec.Body.String())
	}

	_, tokBody := env.token("tv", "", deviceTokenForm("unknown"))
	if tokBody["error"] != ErrCodeInvalidGrant {
		t.Errorf("expected invalid_grant for unknown device code, got %v", tokBody)
	}
}
