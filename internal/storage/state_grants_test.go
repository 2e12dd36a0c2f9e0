package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func createTestCode(t *testing.T, g *GrantStore, code string) *AuthorizationCode {
	t.Helper()
	ac := &AuthorizationCode{
		ClientID:    "c1",
		Subject:     "user-1",
		Scopes:      []string{"openid", "offline_access"},
		RedirectURI: "https://app/cb",
		AuthTime:    time.Now(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	if err := g.CreateCode(context.Background(), code, ac); err != nil {
		t.Fatalf("failed to create code: %v", err)
	}
	if ac.FamilyID == "" {
		t.Fatal("expected family ID to be assigned")
	}
	return ac
}

func TestRedeemCode(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	created := createTestCode(t, g, "code-1")

	got, err := g.RedeemCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("failed to redeem code: %v", err)
	}
	if diff := cmp.Diff(created.Scopes, got.Scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}
	if got.RedirectURI != "https://app/cb" {
		t.Errorf("expected redirect URI https://app/cb, got %s", got.RedirectURI)
	}

	if _, err := g.RedeemCode(ctx, "code-1"); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed on second redemption, got %v", err)
	}

	fam, err := g.GetFamily(ctx, created.FamilyID)
	if err != nil {
		t.Fatalf("failed to get family: %v", err)
	}
	if !fam.Revoked {
		t.Error("expected family to be revoked after replay")
	}
	if fam.RevokedReason != RevokeReasonCodeReplay {
		t.Errorf("expected reason %s, got %s", RevokeReasonCodeReplay, fam.RevokedReason)
	}

	if _, err := g.RedeemCode(ctx, "no-such-code"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemCodeExpired(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()

	createTestCode(t, g, "code-1")
	g.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	if _, err := g.RedeemCode(context.Background(), "code-1"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestRedeemCodeConcurrent(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	ac := createTestCode(t, g, "code-1")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.RedeemCode(ctx, "code-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUsed):
				used++
			default:
				t.Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful redemption, got %d", successes)
	}
	if used != attempts-1 {
		t.Errorf("expected %d already used, got %d", attempts-1, used)
	}

	// the winner goes on to mint a refresh token, which must be unusable.
	if err := g.CreateRefreshToken(ctx, "refresh-1", &RefreshToken{
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		Subject:   "user-1",
		Scopes:    ac.Scopes,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to create refresh token: %v", err)
	}
	_, err := g.RotateRefreshToken(ctx, "refresh-1", "refresh-2", func(old *RefreshToken) (*RefreshToken, error) {
		return &RefreshToken{ClientID: old.ClientID, Subject: old.Subject, Scopes: old.Scopes, ExpiresAt: old.ExpiresAt}, nil
	})
	if !errors.Is(err, ErrFamilyRevoked) {
		t.Errorf("expected ErrFamilyRevoked, got %v", err)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	ac := createTestCode(t, g, "code-1")
	if err := g.CreateRefreshToken(ctx, "r1", &RefreshToken{
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		Subject:   "user-1",
		Scopes:    []string{"openid", "offline_access"},
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to create refresh token: %v", err)
	}

	next := func(old *RefreshToken) (*RefreshToken, error) {
		return &RefreshToken{
			ClientID:  old.ClientID,
			Subject:   old.Subject,
			Scopes:    []string{"openid"},
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}

	r2, err := g.RotateRefreshToken(ctx, "r1", "r2", next)
	if err != nil {
		t.Fatalf("failed to rotate: %v", err)
	}
	if r2.FamilyID != ac.FamilyID {
		t.Errorf("expected family %s, got %s", ac.FamilyID, r2.FamilyID)
	}
	if r2.ParentID == "" {
		t.Error("expected parent ID to be set")
	}
	if diff := cmp.Diff([]string{"openid"}, r2.Scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}

	if _, err := g.RotateRefreshToken(ctx, "r1", "r3", next); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected on reuse, got %v", err)
	}

	// reuse took the whole family down, including the live r2.
	if _, err := g.RotateRefreshToken(ctx, "r2", "r4", next); !errors.Is(err, ErrFamilyRevoked) {
		t.Errorf("expected ErrFamilyRevoked for r2, got %v", err)
	}
	if _, err := g.GetRefreshToken(ctx, "r3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected r3 to never have been stored, got %v", err)
	}
}

func TestRotateRefreshTokenRejected(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	ac := createTestCode(t, g, "code-1")
	if err := g.CreateRefreshToken(ctx, "r1", &RefreshToken{
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to create refresh token: %v", err)
	}

	errWrongClient := errors.New("wrong client")
	_, err := g.RotateRefreshToken(ctx, "r1", "r2", func(old *RefreshToken) (*RefreshToken, error) {
		return nil, errWrongClient
	})
	if !errors.Is(err, errWrongClient) {
		t.Fatalf("expected callback error, got %v", err)
	}

	// a rejected rotation leaves the token usable.
	if _, err := g.GetRefreshToken(ctx, "r1"); err != nil {
		t.Errorf("expected r1 to still be valid, got %v", err)
	}
}

func TestRotateRefreshTokenReuseMode(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	ac := createTestCode(t, g, "code-1")
	if err := g.CreateRefreshToken(ctx, "r1", &RefreshToken{
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to create refresh token: %v", err)
	}

	for i := range 3 {
		if _, err := g.RotateRefreshToken(ctx, "r1", "", func(old *RefreshToken) (*RefreshToken, error) {
			return old, nil
		}); err != nil {
			t.Fatalf("use %d: expected reusable token, got %v", i, err)
		}
	}
}

func TestReferenceTokens(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	ac := createTestCode(t, g, "code-1")
	if err := g.PutReferenceToken(ctx, "ref-1", &ReferenceToken{
		JTI:       "jti-1",
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		Subject:   "user-1",
		Scopes:    []string{"api1"},
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to put reference token: %v", err)
	}

	rt, err := g.GetReferenceToken(ctx, "ref-1")
	if err != nil {
		t.Fatalf("failed to get reference token: %v", err)
	}
	if rt.JTI != "jti-1" {
		t.Errorf("expected jti-1, got %s", rt.JTI)
	}

	if err := g.RevokeFamily(ctx, ac.FamilyID, RevokeReasonAdmin); err != nil {
		t.Fatalf("failed to revoke family: %v", err)
	}
	if _, err := g.GetReferenceToken(ctx, "ref-1"); !errors.Is(err, ErrFamilyRevoked) {
		t.Errorf("expected ErrFamilyRevoked, got %v", err)
	}

	if err := g.DeleteReferenceToken(ctx, "ref-1"); err != nil {
		t.Fatalf("failed to delete reference token: %v", err)
	}
	if _, err := g.GetReferenceToken(ctx, "ref-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsents(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	if _, err := g.GetConsent(ctx, "user-1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := g.PutConsent(ctx, &ConsentRecord{
		Subject:  "user-1",
		ClientID: "c1",
		Scopes:   []string{"openid", "profile"},
	}); err != nil {
		t.Fatalf("failed to put consent: %v", err)
	}
	c, err := g.GetConsent(ctx, "user-1", "c1")
	if err != nil {
		t.Fatalf("failed to get consent: %v", err)
	}
	if diff := cmp.Diff([]string{"openid", "profile"}, c.Scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}

	if err := g.PutConsent(ctx, &ConsentRecord{
		Subject:   "user-1",
		ClientID:  "c2",
		Scopes:    []string{"openid"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("failed to put consent: %v", err)
	}
	if _, err := g.GetConsent(ctx, "user-1", "c2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired consent to be not found, got %v", err)
	}

	if err := g.DeleteConsent(ctx, "user-1", "c1"); err != nil {
		t.Fatalf("failed to delete consent: %v", err)
	}
	if _, err := g.GetConsent(ctx, "user-1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
