package oidcsvr

import (
	"strings"
	"testing"
)

func TestVerifyPKCE(t *testing.T) {
	// Example from RFC 7636 appendix B.
	const (
		verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	)

	for _, tc := range []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{name: "s256", challenge: challenge, method: PKCEMethodS256, verifier: verifier, want: true},
		{name: "s256 wrong verifier", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", 43), want: false},
		{name: "plain", challenge: verifier, method: PKCEMethodPlain, verifier: verifier, want: true},
		{name: "plain default method", challenge: verifier, method: "", verifier: verifier, want: true},
		{name: "short verifier", challenge: "abc", method: PKCEMethodPlain, verifier: "abc", want: false},
		{name: "bad characters", challenge: strings.Repeat("!", 43), method: PKCEMethodPlain, verifier: strings.Repeat("!", 43), want: false},
		{name: "unknown method", challenge: verifier, method: "S512", verifier: verifier, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := verifyPKCE(tc.challenge, tc.method, tc.verifier); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
