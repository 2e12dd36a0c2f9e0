// Package keys manages the signing keys used for issued tokens.
//
// Keys live in tink keysets rotated by tinkrotate. Each keyset is a
// generation: tinkrotate moves keys through pending, primary and phase-out
// inside it on schedule. A manual rotation starts a new generation that is
// published for a while before it signs, and freezes the old one until every
// token it signed has expired.
package keys

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/types/known/durationpb"
	"lds.li/idsrv/internal/storage"
	"lds.li/tinkrotate"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

// ErrKeyUnavailable is returned when there is no active key to sign with.
var ErrKeyUnavailable = errors.New("no signing key available")

var keyRotationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "signing_key_rotations_total",
		Help: "Number of signing key generations started by this process",
	},
	[]string{"reason"},
)

// rotatorInterval is only used by the rotator's own loop, which is not
// started. Run drives it instead.
const rotatorInterval = 10 * time.Minute

// Store persists the keysets and the generation log. *storage.KeysetStore
// implements it.
type Store interface {
	tinkrotate.ManagedStore
	ReadGenerations(ctx context.Context) (*storage.KeyGenerations, error)
	WriteGenerations(ctx context.Context, gens *storage.KeyGenerations) error
	DeleteKeyset(ctx context.Context, keysetName string) error
}

type Config struct {
	// Algorithm for new keys, ES256 or RS256.
	Algorithm string
	// RotateEvery is how long a key is primary before the next one takes
	// over. Defaults to 720h.
	RotateEvery time.Duration
	// PropagationTime is how long a scheduled key is published before it
	// becomes primary. Defaults to a quarter of RotateEvery.
	PropagationTime time.Duration
	// PublishDelay is how long a key created by Rotate is published before it
	// signs.
	PublishDelay time.Duration
	// MaxTokenLifetime is the longest lifetime of any token signed by a key.
	// A replaced key stays published for this long, plus ClockSkew.
	MaxTokenLifetime time.Duration
	ClockSkew        time.Duration
}

// SigningKey describes a signing key.
type SigningKey struct {
	// KeyID is the kid header value of tokens signed with this key.
	KeyID       string
	Algorithm   string
	CreatedAt   time.Time
	ActiveAfter time.Time
}

type generationKeys struct {
	gen      storage.KeyGeneration
	handle   *keyset.Handle
	metadata *tinkrotatev1.KeyRotationMetadata
	signer   jwt.Signer
}

// snapshot is an immutable view of every live generation, swapped in whole
// on change.
type snapshot struct {
	gens       []storage.KeyGeneration
	live       []*generationKeys
	verifier   jwt.Verifier
	jwks       []byte
	algorithms []string
}

// signing returns the newest generation allowed to sign at now.
func (s *snapshot) signing(now time.Time) *generationKeys {
	for i := len(s.live) - 1; i >= 0; i-- {
		if !now.Before(s.live[i].gen.ActiveAfter) {
			return s.live[i]
		}
	}
	return nil
}

func (s *snapshot) generation(name string) *generationKeys {
	for _, g := range s.live {
		if g.gen.Name == name {
			return g
		}
	}
	return nil
}

// Manager hands out signers and the public key set, and rotates keys. Reads
// come from an atomically swapped snapshot and never block on rotation.
type Manager struct {
	store  Store
	cfg    Config
	policy *tinkrotatev1.RotationPolicy
	log    *slog.Logger

	current   atomic.Pointer[snapshot]
	refreshMu sync.Mutex
	sf        singleflight.Group

	// now is overridden in tests.
	now func() time.Time
}

var (
	_ jwt.Signer   = (*Manager)(nil)
	_ jwt.Verifier = (*Manager)(nil)
)

func NewManager(store Store, cfg Config) (*Manager, error) {
	tmpl, err := templateFor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.RotateEvery == 0 {
		cfg.RotateEvery = 30 * 24 * time.Hour
	}
	if cfg.PropagationTime == 0 {
		cfg.PropagationTime = cfg.RotateEvery / 4
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		policy: &tinkrotatev1.RotationPolicy{
			KeyTemplate:         tmpl,
			PrimaryDuration:     durationpb.New(cfg.RotateEvery),
			PropagationTime:     durationpb.New(cfg.PropagationTime),
			PhaseOutDuration:    durationpb.New(cfg.MaxTokenLifetime + cfg.ClockSkew),
			DeletionGracePeriod: durationpb.New(0),
		},
		log: slog.With("component", "keys"),
	}, nil
}

func (m *Manager) timeNow() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func templateFor(alg string) (*tink_go_proto.KeyTemplate, error) {
	switch alg {
	case "ES256":
		return jwt.ES256Template(), nil
	case "RS256":
		return jwt.RS256_2048_F4_Key_Template(), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// kidFor returns the kid tink puts in the header for a key ID.
func kidFor(keyID uint32) string {
	return base64.RawURLEncoding.EncodeToString(binary.BigEndian.AppendUint32(nil, keyID))
}

func generationName(n int) string {
	return fmt.Sprintf("signing-%d", n)
}

// ActiveSigningKey returns the key tokens are signed with now.
func (m *Manager) ActiveSigningKey(ctx context.Context) (SigningKey, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return SigningKey{}, err
	}
	g := snap.signing(m.timeNow())
	if g == nil {
		return SigningKey{}, ErrKeyUnavailable
	}
	return g.signingKey(), nil
}

// PublicKeySet returns the JWKS document of every pending, active and
// retiring key.
func (m *Manager) PublicKeySet(ctx context.Context) ([]byte, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.jwks, nil
}

// SupportedAlgorithms returns the algorithms of all published keys.
func (m *Manager) SupportedAlgorithms() []string {
	snap := m.current.Load()
	if snap == nil {
		return []string{m.cfg.Algorithm}
	}
	return snap.algorithms
}

// SignAndEncode signs the JWT with the active key.
func (m *Manager) SignAndEncode(raw *jwt.RawJWT) (string, error) {
	snap := m.current.Load()
	if snap == nil {
		return "", ErrKeyUnavailable
	}
	g := snap.signing(m.timeNow())
	if g == nil {
		return "", ErrKeyUnavailable
	}
	return g.signer.SignAndEncode(raw)
}

// VerifyAndDecode verifies a JWT against every published key.
func (m *Manager) VerifyAndDecode(compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, ErrKeyUnavailable
	}
	return snap.verifier.VerifyAndDecode(compact, validator)
}

func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := m.current.Load(); snap != nil {
		return snap, nil
	}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m.current.Load(), nil
}

// Refresh reloads the keysets from the store, picking up rotations made by
// tinkrotate and by other processes.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	gens, err := m.store.ReadGenerations(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrKeyUnavailable
	}
	if err != nil {
		return fmt.Errorf("read key generations: %w", err)
	}
	snap, err := m.buildSnapshot(ctx, gens)
	if err != nil {
		return err
	}
	m.current.Store(snap)
	return nil
}

func (m *Manager) buildSnapshot(ctx context.Context, gens *storage.KeyGenerations) (*snapshot, error) {
	snap := &snapshot{gens: gens.Generations}
	merged := keyset.NewManager()
	var lastKid uint32
	for _, g := range gens.Generations {
		if !g.Live() {
			continue
		}
		res, err := m.store.ReadKeysetAndMetadata(ctx, g.Name)
		if errors.Is(err, tinkrotate.ErrKeysetNotFound) {
			// logged but not provisioned yet.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read keyset %s: %w", g.Name, err)
		}

		signer, err := jwt.NewSigner(res.Handle)
		if err != nil {
			return nil, fmt.Errorf("new signer for %s: %w", g.Name, err)
		}
		pub, err := res.Handle.Public()
		if err != nil {
			return nil, fmt.Errorf("public handle for %s: %w", g.Name, err)
		}
		for i := range pub.Len() {
			e, err := pub.Entry(i)
			if err != nil {
				return nil, fmt.Errorf("get entry: %w", err)
			}
			if _, err := merged.AddKey(e.Key()); err != nil {
				return nil, fmt.Errorf("add key: %w", err)
			}
			lastKid = e.KeyID()
		}

		snap.live = append(snap.live, &generationKeys{
			gen:      g,
			handle:   res.Handle,
			metadata: res.Metadata,
			signer:   signer,
		})
		if !slices.Contains(snap.algorithms, g.Algorithm) {
			snap.algorithms = append(snap.algorithms, g.Algorithm)
		}
	}
	if len(snap.live) == 0 {
		return nil, ErrKeyUnavailable
	}

	// only used for verification so the primary isn't important, but the
	// handle needs one.
	if err := merged.SetPrimary(lastKid); err != nil {
		return nil, fmt.Errorf("set primary: %w", err)
	}
	h, err := merged.Handle()
	if err != nil {
		return nil, fmt.Errorf("getting merged handle: %w", err)
	}
	if snap.verifier, err = jwt.NewVerifier(h); err != nil {
		return nil, fmt.Errorf("new verifier: %w", err)
	}
	if snap.jwks, err = jwt.JWKSetFromPublicKeysetHandle(h); err != nil {
		return nil, fmt.Errorf("getting JWKS: %w", err)
	}
	return snap, nil
}

// Rotate starts a new key generation. Its key is published at once and
// signs after PublishDelay; the current keys keep signing until then, and
// stay published until every token they signed has expired. Concurrent
// calls share one rotation. If another process rotated first, its key is
// returned instead.
func (m *Manager) Rotate(ctx context.Context) (SigningKey, error) {
	v, err, _ := m.sf.Do("rotate", func() (any, error) {
		name, err := m.startGeneration(ctx, "manual")
		if err != nil {
			return nil, err
		}
		if err := m.Refresh(ctx); err != nil {
			return nil, err
		}
		g := m.current.Load().generation(name)
		if g == nil {
			return nil, fmt.Errorf("keyset %s was not provisioned: %w", name, ErrKeyUnavailable)
		}
		return g.signingKey(), nil
	})
	if err != nil {
		return SigningKey{}, err
	}
	return v.(SigningKey), nil
}

// startGeneration appends a generation to the log, marks the ones before it
// for retirement, and provisions its keyset. It returns the name of the
// newest generation, which is another process's if that one won the write.
func (m *Manager) startGeneration(ctx context.Context, reason string) (string, error) {
	gens, err := m.store.ReadGenerations(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		gens = &storage.KeyGenerations{}
	case err != nil:
		return "", fmt.Errorf("read key generations: %w", err)
	}

	now := m.timeNow()
	next := storage.KeyGeneration{
		Name:        generationName(len(gens.Generations) + 1),
		Algorithm:   m.cfg.Algorithm,
		CreatedAt:   now,
		ActiveAfter: now,
	}
	if len(gens.Generations) > 0 {
		next.ActiveAfter = now.Add(m.cfg.PublishDelay)
	}
	retireAfter := next.ActiveAfter.Add(m.cfg.MaxTokenLifetime + m.cfg.ClockSkew)
	for i := range gens.Generations {
		g := &gens.Generations[i]
		if g.Live() && g.RetireAfter.IsZero() {
			g.RetireAfter = retireAfter
		}
	}
	gens.Generations = append(gens.Generations, next)

	if err := m.store.WriteGenerations(ctx, gens); err != nil {
		if !errors.Is(err, storage.ErrVersionConflict) {
			return "", fmt.Errorf("write key generations: %w", err)
		}
		m.log.InfoContext(ctx, "lost key rotation race, using winner's key")
		winner, err := m.store.ReadGenerations(ctx)
		if err != nil {
			return "", fmt.Errorf("read key generations: %w", err)
		}
		if err := m.provision(ctx, winner); err != nil {
			return "", err
		}
		return winner.Generations[len(winner.Generations)-1].Name, nil
	}

	if err := m.provision(ctx, gens); err != nil {
		return "", err
	}
	keyRotationsTotal.WithLabelValues(reason).Inc()
	m.log.InfoContext(ctx, "started signing key generation", "keyset", next.Name, "alg", next.Algorithm, "active-after", next.ActiveAfter, "reason", reason)
	return next.Name, nil
}

// provision runs tinkrotate once over the scheduled generations, creating
// any keyset that does not exist yet.
func (m *Manager) provision(ctx context.Context, gens *storage.KeyGenerations) error {
	policies := make(map[string]*tinkrotatev1.RotationPolicy)
	for _, g := range gens.Generations {
		if g.Live() && g.RetireAfter.IsZero() {
			policies[g.Name] = m.policy
		}
	}
	rotator, err := tinkrotate.NewAutoRotator(m.store, rotatorInterval, &tinkrotate.AutoRotatorOpts{
		ProvisionPolicies: policies,
	})
	if err != nil {
		return fmt.Errorf("failed to create autoRotator: %w", err)
	}
	runErr := rotator.RunOnce(ctx)
	if runErr == nil {
		return nil
	}
	// a concurrent process provisioning the same keyset fails our insert,
	// which is fine as long as the keyset now exists.
	for name := range policies {
		if _, err := m.store.ReadKeysetAndMetadata(ctx, name); err != nil {
			return fmt.Errorf("failed to run autoRotator: %w", runErr)
		}
	}
	m.log.WarnContext(ctx, "key rotation run failed, keysets are present", "err", runErr)
	return nil
}

// Maintain creates the first key if needed, lets tinkrotate rotate keys on
// schedule, and deletes replaced generations whose tokens have all expired.
func (m *Manager) Maintain(ctx context.Context) error {
	_, err, _ := m.sf.Do("maintain", func() (any, error) {
		gens, err := m.store.ReadGenerations(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			if _, err := m.startGeneration(ctx, "bootstrap"); err != nil {
				return nil, err
			}
			return nil, m.Refresh(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("read key generations: %w", err)
		}
		if err := m.retire(ctx, gens); err != nil {
			return nil, err
		}
		if err := m.provision(ctx, gens); err != nil {
			return nil, err
		}
		return nil, m.Refresh(ctx)
	})
	return err
}

// retire deletes the keysets of generations past their retirement time,
// keeping their key records in the log.
func (m *Manager) retire(ctx context.Context, gens *storage.KeyGenerations) error {
	now := m.timeNow()
	var expired []int
	for i, g := range gens.Generations {
		if g.Live() && !g.RetireAfter.IsZero() && !now.Before(g.RetireAfter) {
			expired = append(expired, i)
		}
	}
	if len(expired) > 0 {
		for _, i := range expired {
			g := &gens.Generations[i]
			res, err := m.store.ReadKeysetAndMetadata(ctx, g.Name)
			switch {
			case err == nil:
				for _, r := range keyRecords(*g, res) {
					r.Status = storage.KeyStatusRetired
					r.RetireAfter = g.RetireAfter
					r.RetiredAt = now
					g.Retired = append(g.Retired, r)
				}
			case !errors.Is(err, tinkrotate.ErrKeysetNotFound):
				return fmt.Errorf("read keyset %s: %w", g.Name, err)
			}
			g.RetiredAt = now
		}
		if err := m.store.WriteGenerations(ctx, gens); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				// someone else changed the log, the next run retires.
				return nil
			}
			return fmt.Errorf("write key generations: %w", err)
		}
	}

	// also picks up keysets left behind by a run that stopped after the log
	// write.
	for _, g := range gens.Generations {
		if g.Live() {
			continue
		}
		if _, err := m.store.ReadKeysetAndMetadata(ctx, g.Name); errors.Is(err, tinkrotate.ErrKeysetNotFound) {
			continue
		}
		if err := m.store.DeleteKeyset(ctx, g.Name); err != nil {
			return err
		}
		m.log.InfoContext(ctx, "retired signing key generation", "keyset", g.Name, "keys", len(g.Retired))
	}
	return nil
}

// Keys returns every key record, oldest generation first.
func (m *Manager) Keys(ctx context.Context) ([]storage.KeyRecord, error) {
	if err := m.Refresh(ctx); err != nil {
		if errors.Is(err, ErrKeyUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	snap := m.current.Load()
	now := m.timeNow()
	signing := snap.signing(now)

	var records []storage.KeyRecord
	for _, g := range snap.gens {
		if !g.Live() {
			records = append(records, g.Retired...)
			continue
		}
		gk := snap.generation(g.Name)
		if gk == nil {
			continue
		}
		recs := keyRecords(g, &tinkrotate.ReadResult{Handle: gk.handle, Metadata: gk.metadata})
		primary := gk.handle.KeysetInfo().GetPrimaryKeyId()
		var primaryCreated time.Time
		for _, r := range recs {
			if r.KeyID == primary {
				primaryCreated = r.CreatedAt
			}
		}
		for i := range recs {
			r := &recs[i]
			switch {
			case signing == nil || now.Before(g.ActiveAfter):
				r.Status = storage.KeyStatusPending
				r.ActivatedAt = g.ActiveAfter
			case gk != signing:
				r.Status = storage.KeyStatusRetiring
				r.RetireAfter = g.RetireAfter
			case r.KeyID == primary:
				r.Status = storage.KeyStatusActive
				r.ActivatedAt = g.ActiveAfter
			case r.CreatedAt.After(primaryCreated):
				r.Status = storage.KeyStatusPending
			default:
				r.Status = storage.KeyStatusRetiring
			}
		}
		records = append(records, recs...)
	}
	return records, nil
}

// keyRecords lists the enabled keys of a keyset, oldest first, without a
// status.
func keyRecords(g storage.KeyGeneration, res *tinkrotate.ReadResult) []storage.KeyRecord {
	md := res.Metadata.GetKeyMetadata()
	var recs []storage.KeyRecord
	for _, ki := range res.Handle.KeysetInfo().GetKeyInfo() {
		if ki.GetStatus() != tink_go_proto.KeyStatusType_ENABLED {
			continue
		}
		r := storage.KeyRecord{KeyID: ki.GetKeyId(), Algorithm: g.Algorithm}
		if ct := md[ki.GetKeyId()].GetCreationTime(); ct != nil {
			r.CreatedAt = ct.AsTime()
		}
		recs = append(recs, r)
	}
	slices.SortStableFunc(recs, func(a, b storage.KeyRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return recs
}

func (g *generationKeys) signingKey() SigningKey {
	primary := g.handle.KeysetInfo().GetPrimaryKeyId()
	sk := SigningKey{
		KeyID:       kidFor(primary),
		Algorithm:   g.gen.Algorithm,
		CreatedAt:   g.gen.CreatedAt,
		ActiveAfter: g.gen.ActiveAfter,
	}
	if ct := g.metadata.GetKeyMetadata()[primary].GetCreationTime(); ct != nil {
		sk.CreatedAt = ct.AsTime()
	}
	return sk
}

// KeyIDFor exposes the kid encoding for callers listing records.
func KeyIDFor(rec storage.KeyRecord) string {
	return kidFor(rec.KeyID)
}

// Run calls Maintain every interval until ctx is cancelled. Errors are
// logged, the next tick retries.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Maintain(ctx); err != nil {
				m.log.ErrorContext(ctx, "key maintenance failed", "err", err)
			}
		}
	}
}
