package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGarbageCollect(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	if err := g.CreateCode(ctx, "old-code", &AuthorizationCode{ClientID: "c1", ExpiresAt: past}); err != nil {
		t.Fatalf("failed to create code: %v", err)
	}
	live := &AuthorizationCode{ClientID: "c1", ExpiresAt: future}
	if err := g.CreateCode(ctx, "live-code", live); err != nil {
		t.Fatalf("failed to create code: %v", err)
	}
	if err := g.CreateRefreshToken(ctx, "live-refresh", &RefreshToken{FamilyID: live.FamilyID, ClientID: "c1", ExpiresAt: future}); err != nil {
		t.Fatalf("failed to create refresh token: %v", err)
	}
	if err := g.PutConsent(ctx, &ConsentRecord{Subject: "u", ClientID: "c1", ExpiresAt: past}); err != nil {
		t.Fatalf("failed to put consent: %v", err)
	}
	if err := g.PutConsent(ctx, &ConsentRecord{Subject: "u", ClientID: "c2"}); err != nil {
		t.Fatalf("failed to put consent: %v", err)
	}
	if err := g.CreateDeviceAuthorization(ctx, "old-device", &DeviceAuthorization{UserCode: "AAAA-BBBB", ExpiresAt: past}); err != nil {
		t.Fatalf("failed to create device authorization: %v", err)
	}
	// inside the retention window, kept.
	if err := state.Pending().CreatePendingAuthorization(ctx, &PendingAuthorization{ID: "recent", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("failed to create pending: %v", err)
	}
	if err := state.Pending().CreatePendingAuthorization(ctx, &PendingAuthorization{ID: "stale", ExpiresAt: time.Now().Add(-2 * pendingRetention)}); err != nil {
		t.Fatalf("failed to create pending: %v", err)
	}

	res, err := state.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("garbage collect failed: %v", err)
	}

	for kind, want := range map[string]int{
		"auth_code":             1,
		"family":                1,
		"refresh_token":         0,
		"consent":               1,
		"device_code":           1,
		"pending_authorization": 1,
	} {
		if res[kind] != want {
			t.Errorf("expected %d %s deleted, got %d", want, kind, res[kind])
		}
	}

	if _, err := g.RedeemCode(ctx, "live-code"); err != nil {
		t.Errorf("expected live code to survive, got %v", err)
	}
	if _, err := g.GetConsent(ctx, "u", "c2"); err != nil {
		t.Errorf("expected non-expiring consent to survive, got %v", err)
	}
	if _, err := g.GetDeviceByUserCode(ctx, "AAAA-BBBB"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected user code index to be swept, got %v", err)
	}
	if _, err := state.Pending().GetPendingAuthorization(ctx, "recent"); err != nil {
		t.Errorf("expected recent pending to survive, got %v", err)
	}
}

func TestGarbageCollectKeepsFamilyWithLiveReferenceToken(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()
	ctx := context.Background()

	// redeemed code without a refresh token, so only the reference token
	// keeps the family alive.
	ac := &AuthorizationCode{ClientID: "c1", Subject: "user-1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := g.CreateCode(ctx, "code-1", ac); err != nil {
		t.Fatalf("failed to create code: %v", err)
	}
	if err := g.PutReferenceToken(ctx, "ref-1", &ReferenceToken{
		JTI:       "jti-1",
		FamilyID:  ac.FamilyID,
		ClientID:  "c1",
		Subject:   "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to put reference token: %v", err)
	}

	res, err := state.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("garbage collect failed: %v", err)
	}
	if res["family"] != 0 {
		t.Errorf("expected no families deleted, got %d", res["family"])
	}
	if res["auth_code"] != 1 {
		t.Errorf("expected expired code deleted, got %d", res["auth_code"])
	}

	rt, err := g.GetReferenceToken(ctx, "ref-1")
	if err != nil {
		t.Fatalf("expected reference token to outlive its code, got %v", err)
	}
	if rt.JTI != "jti-1" {
		t.Errorf("expected jti-1, got %s", rt.JTI)
	}
}

func TestPutReferenceTokenUnknownFamily(t *testing.T) {
	state := newTestState(t)
	g := state.Grants()

	err := g.PutReferenceToken(context.Background(), "ref-1", &ReferenceToken{
		JTI:       "jti-1",
		FamilyID:  "missing",
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
