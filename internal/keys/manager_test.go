package keys

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/idsrv/internal/storage"
)

func newTestStore(t *testing.T) *storage.KeysetStore {
	t.Helper()
	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	return state.Keys()
}

func newTestManager(t *testing.T, store Store, alg string) *Manager {
	t.Helper()
	m, err := NewManager(store, Config{
		Algorithm:        alg,
		RotateEvery:      24 * time.Hour,
		MaxTokenLifetime: time.Hour,
		ClockSkew:        5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func jwksKids(t *testing.T, jwks []byte) []string {
	t.Helper()
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(jwks, &doc); err != nil {
		t.Fatalf("failed to unmarshal JWKS: %v", err)
	}
	var kids []string
	for _, k := range doc.Keys {
		kids = append(kids, k.Kid)
	}
	return kids
}

func publishedKids(t *testing.T, m *Manager) []string {
	t.Helper()
	jwks, err := m.PublicKeySet(context.Background())
	if err != nil {
		t.Fatalf("failed to get JWKS: %v", err)
	}
	return jwksKids(t, jwks)
}

func keyStatuses(t *testing.T, m *Manager) map[string]string {
	t.Helper()
	records, err := m.Keys(context.Background())
	if err != nil {
		t.Fatalf("failed to list keys: %v", err)
	}
	statuses := make(map[string]string)
	for _, r := range records {
		statuses[KeyIDFor(r)] = r.Status
	}
	return statuses
}

func signTestToken(t *testing.T, m *Manager) string {
	t.Helper()
	iss := "https://issuer"
	exp := time.Now().Add(time.Minute)
	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{Issuer: &iss, ExpiresAt: &exp})
	if err != nil {
		t.Fatalf("failed to create raw JWT: %v", err)
	}
	compact, err := m.SignAndEncode(raw)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return compact
}

func verifyTestToken(m *Manager, compact string) error {
	iss := "https://issuer"
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{ExpectedIssuer: &iss})
	if err != nil {
		return err
	}
	_, err = m.VerifyAndDecode(compact, validator)
	return err
}

func TestKeyUnavailableBeforeBootstrap(t *testing.T) {
	m := newTestManager(t, newTestStore(t), "ES256")

	if _, err := m.ActiveSigningKey(context.Background()); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := m.SignAndEncode(nil); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("expected ErrKeyUnavailable signing, got %v", err)
	}
	records, err := m.Keys(context.Background())
	if err != nil || len(records) != 0 {
		t.Errorf("expected no keys, got %v %v", records, err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"ES256", "RS256"} {
		t.Run(alg, func(t *testing.T) {
			ctx := context.Background()
			m := newTestManager(t, newTestStore(t), alg)
			if err := m.Maintain(ctx); err != nil {
				t.Fatalf("maintain failed: %v", err)
			}

			active, err := m.ActiveSigningKey(ctx)
			if err != nil {
				t.Fatalf("failed to get active key: %v", err)
			}
			if active.Algorithm != alg {
				t.Errorf("expected algorithm %s, got %s", alg, active.Algorithm)
			}
			if diff := cmp.Diff([]string{alg}, m.SupportedAlgorithms()); diff != "" {
				t.Errorf("algorithms mismatch (-want +got):\n%s", diff)
			}

			if err := verifyTestToken(m, signTestToken(t, m)); err != nil {
				t.Errorf("expected token to verify, got %v", err)
			}
			if kids := publishedKids(t, m); !slices.Contains(kids, active.KeyID) {
				t.Errorf("expected active key %s in JWKS, got %v", active.KeyID, kids)
			}
			if got := keyStatuses(t, m)[active.KeyID]; got != storage.KeyStatusActive {
				t.Errorf("expected active key listed as active, got %q", got)
			}
		})
	}
}

func TestMaintainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := newTestManager(t, store, "ES256")

	if err := m.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	first, _ := m.ActiveSigningKey(ctx)
	if err := m.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if cur, _ := m.ActiveSigningKey(ctx); cur.KeyID != first.KeyID {
		t.Errorf("expected key %s to stay active, got %s", first.KeyID, cur.KeyID)
	}

	gens, err := store.ReadGenerations(ctx)
	if err != nil {
		t.Fatalf("failed to read generations: %v", err)
	}
	if len(gens.Generations) != 1 {
		t.Errorf("expected one generation, got %d", len(gens.Generations))
	}
}

func TestRotationPolicy(t *testing.T) {
	m := newTestManager(t, newTestStore(t), "ES256")

	for name, tc := range map[string]struct{ got, want time.Duration }{
		"primary":     {m.policy.GetPrimaryDuration().AsDuration(), 24 * time.Hour},
		"propagation": {m.policy.GetPropagationTime().AsDuration(), 6 * time.Hour},
		"phase out":   {m.policy.GetPhaseOutDuration().AsDuration(), time.Hour + 5*time.Minute},
		"grace":       {m.policy.GetDeletionGracePeriod().AsDuration(), 0},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: expected %s, got %s", name, tc.want, tc.got)
		}
	}
}

func TestRotationPublishesBeforeSigning(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStore(t), "ES256")
	m.cfg.PublishDelay = 10 * time.Minute

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	first, err := m.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("failed to get active key: %v", err)
	}
	if !first.ActiveAfter.Equal(now) {
		t.Errorf("expected the first key to sign at once, active after %s", first.ActiveAfter)
	}

	second, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if second.KeyID == first.KeyID {
		t.Fatal("expected a new key after rotation")
	}
	if want := now.Add(10 * time.Minute); !second.ActiveAfter.Equal(want) {
		t.Errorf("expected new key to sign after %s, got %s", want, second.ActiveAfter)
	}

	// published at once, but not signing yet.
	kids := publishedKids(t, m)
	if !slices.Contains(kids, first.KeyID) || !slices.Contains(kids, second.KeyID) {
		t.Errorf("expected both keys published, got %v", kids)
	}
	if cur, _ := m.ActiveSigningKey(ctx); cur.KeyID != first.KeyID {
		t.Errorf("expected %s to keep signing during the publish delay, got %s", first.KeyID, cur.KeyID)
	}
	statuses := keyStatuses(t, m)
	if statuses[first.KeyID] != storage.KeyStatusActive || statuses[second.KeyID] != storage.KeyStatusPending {
		t.Errorf("unexpected statuses during publish delay: %v", statuses)
	}
	oldToken := signTestToken(t, m)

	now = now.Add(10 * time.Minute)
	if cur, _ := m.ActiveSigningKey(ctx); cur.KeyID != second.KeyID {
		t.Errorf("expected %s to sign after the publish delay, got %s", second.KeyID, cur.KeyID)
	}
	statuses = keyStatuses(t, m)
	if statuses[first.KeyID] != storage.KeyStatusRetiring || statuses[second.KeyID] != storage.KeyStatusActive {
		t.Errorf("unexpected statuses after publish delay: %v", statuses)
	}
	if err := verifyTestToken(m, signTestToken(t, m)); err != nil {
		t.Errorf("expected token from the new key to verify, got %v", err)
	}

	// inside the retirement window, nothing is removed.
	now = now.Add(30 * time.Minute)
	if err := m.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if kids := publishedKids(t, m); !slices.Contains(kids, first.KeyID) {
		t.Errorf("expected %s published inside the window, got %v", first.KeyID, kids)
	}
	if err := verifyTestToken(m, oldToken); err != nil {
		t.Errorf("expected token from the retiring key to verify, got %v", err)
	}

	now = now.Add(time.Hour)
	if err := m.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	kids = publishedKids(t, m)
	if slices.Contains(kids, first.KeyID) || !slices.Contains(kids, second.KeyID) {
		t.Errorf("expected only %s published after retirement, got %v", second.KeyID, kids)
	}
	statuses = keyStatuses(t, m)
	if statuses[first.KeyID] != storage.KeyStatusRetired || statuses[second.KeyID] != storage.KeyStatusActive {
		t.Errorf("unexpected statuses after retirement: %v", statuses)
	}
}

// gatedStore holds the first two generation reads until both have happened,
// so concurrent rotations start from the same version.
type gatedStore struct {
	Store
	wg    sync.WaitGroup
	reads atomic.Int32
}

func (g *gatedStore) ReadGenerations(ctx context.Context) (*storage.KeyGenerations, error) {
	gens, err := g.Store.ReadGenerations(ctx)
	if g.reads.Add(1) <= 2 {
		g.wg.Done()
		g.wg.Wait()
	}
	return gens, err
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed := newTestManager(t, store, "ES256")
	if err := seed.Maintain(ctx); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	before, _ := seed.ActiveSigningKey(ctx)

	// two processes sharing the state file.
	gs := &gatedStore{Store: store}
	gs.wg.Add(2)
	a := newTestManager(t, gs, "ES256")
	b := newTestManager(t, gs, "ES256")

	var (
		wg      sync.WaitGroup
		results [2]SigningKey
		errs    [2]error
	)
	for i, m := range []*Manager{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Rotate(ctx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rotation %d failed: %v", i, err)
		}
	}
	if results[0].KeyID != results[1].KeyID {
		t.Errorf("expected both rotations to observe the same key, got %s and %s", results[0].KeyID, results[1].KeyID)
	}
	if results[0].KeyID == before.KeyID {
		t.Error("expected a new key")
	}

	gens, err := store.ReadGenerations(ctx)
	if err != nil {
		t.Fatalf("failed to read generations: %v", err)
	}
	if len(gens.Generations) != 2 {
		t.Errorf("expected exactly one new generation, got %d generations", len(gens.Generations))
	}
}
