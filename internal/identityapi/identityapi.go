// Package identityapi is a sample protected resource. It returns the claims
// of the caller's access token.
package identityapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"lds.li/idsrv/internal/tokens"
)

const Path = "/identity"

// Verifier checks bearer access tokens.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*tokens.AccessToken, error)
}

// Claim is a single claim, in the shape resource servers expect.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Handler struct {
	Verifier Verifier
	// RequiredScope must have been granted to the token.
	RequiredScope string
}

func (h *Handler) AddHandlers(r chi.Router) {
	r.Get(Path, h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	at, err := h.Verifier.VerifyAccessToken(ctx, strings.TrimSpace(tok))
	if errors.Is(err, tokens.ErrInvalidToken) {
		slog.DebugContext(ctx, "identity api rejected token", "err", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "verifying access token", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if h.RequiredScope != "" && !at.HasScope(h.RequiredScope) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=\"insufficient_scope\", scope=%q", h.RequiredScope))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(Claims(at)); err != nil {
		slog.ErrorContext(ctx, "writing identity response", "err", err)
	}
}

// Claims flattens the token's claims, one entry per value, sorted by type.
func Claims(at *tokens.AccessToken) []Claim {
	src := at.Claims
	if src == nil {
		// reference tokens carry no claim set.
		src = map[string]any{
			"sub":       at.Subject,
			"client_id": at.ClientID,
			"scope":     at.Scopes,
			"aud":       at.Audiences,
			"jti":       at.JTI,
			"iat":       at.IssuedAt.Unix(),
			"exp":       at.ExpiresAt.Unix(),
		}
		if !at.AuthTime.IsZero() {
			src["auth_time"] = at.AuthTime.Unix()
		}
	}

	out := []Claim{}
	for k, v := range src {
		if k == "scope" {
			if s, ok := v.(string); ok {
				v = strings.Fields(s)
			}
		}
		out = appendClaim(out, k, v)
	}
	slices.SortStableFunc(out, func(a, b Claim) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	return out
}

func appendClaim(out []Claim, typ string, v any) []Claim {
	switch v := v.(type) {
	case nil:
		return out
	case string:
		return append(out, Claim{Type: typ, Value: v})
	case []string:
		for _, s := range v {
			out = append(out, Claim{Type: typ, Value: s})
		}
		return out
	case []any:
		for _, e := range v {
			out = appendClaim(out, typ, e)
		}
		return out
	case bool:
		return append(out, Claim{Type: typ, Value: strconv.FormatBool(v)})
	case int64:
		return append(out, Claim{Type: typ, Value: strconv.FormatInt(v, 10)})
	case float64:
		return append(out, Claim{Type: typ, Value: strconv.FormatFloat(v, 'f', -1, 64)})
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out
		}
		return append(out, Claim{Type: typ, Value: string(b)})
	}
}
