package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrDuplicateEmail     = errors.New("auth: email already registered")
	ErrInvitationConsumed = errors.New("auth: invitation already consumed")
	ErrInvitationExpired  = errors.New("auth: invitation expired")
	ErrInvalidEmail       = errors.New("auth: invalid email")
)

const (
	invitationTTL = 24 * time.Hour
	// A redeem replayed within this window of first use returns the original
	// credential instead of failing, so an agent that crashed mid-registration
	// can recover.
	redeemGrace = 10 * time.Second
)

// Service wires hashing, tokens and invitations against the store.
type Service struct {
	store  *store.Store
	signer *TokenSigner

	// Recent redemptions kept in memory for the idempotence grace window.
	redeemMu sync.Mutex
	redeemed map[string]redeemResult
}

type redeemResult struct {
	deviceID   string
	agentToken string
	at         time.Time
}

// NewService builds the identity service.
func NewService(s *store.Store, signer *TokenSigner) *Service {
	return &Service{store: s, signer: signer, redeemed: make(map[string]redeemResult)}
}

// RegisterUser validates and creates an account, returning its ID.
func (s *Service) RegisterUser(ctx context.Context, email, password, role string, creator *int64) (int64, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return 0, ErrInvalidEmail
	}
	if !ValidRole(role) {
		return 0, fmt.Errorf("auth: unknown role %q", role)
	}
	if err := CheckPasswordStrength(password); err != nil {
		return 0, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	u, err := s.store.CreateUser(ctx, email, hash, role, creator)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return 0, ErrDuplicateEmail
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// Authenticate verifies credentials and returns a signed bearer token. The
// error is ErrInvalidCredentials regardless of which factor failed.
func (s *Service) Authenticate(ctx context.Context, email, password string) (string, *store.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a hash anyway so the lookup miss is not observable by timing.
		_, _ = VerifyPassword(password, dummyHash)
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil || !ok || !u.Active {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.signer.SignUser(u)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.RecordLogin(ctx, u.ID); err != nil {
		slog.Warn("[Auth] failed to record login", "user", u.ID, "error", err)
	}
	return token, u, nil
}

// dummyHash is verified against on unknown emails to equalize timing.
var dummyHash = func() string {
	h, _ := HashPassword("timing-equalizer-0")
	return h
}()

// IssueInvitation creates a single-use opaque registration token. Only the
// hash is stored; the raw token is returned once.
func (s *Service) IssueInvitation(ctx context.Context, creatorUserID int64) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	if err := s.store.CreateInvitation(ctx, hashToken(token), creatorUserID, time.Now().Add(invitationTTL)); err != nil {
		return "", err
	}
	return token, nil
}

// RedeemInvitation exchanges a one-shot invitation for a device identity and
// long-lived agent credential. Idempotent within redeemGrace of first use;
// later replays fail with ErrInvitationConsumed.
func (s *Service) RedeemInvitation(ctx context.Context, token, hostname, osDesc string) (deviceID, agentToken string, err error) {
	th := hashToken(token)

	s.redeemMu.Lock()
	if r, ok := s.redeemed[th]; ok && time.Since(r.at) <= redeemGrace {
		s.redeemMu.Unlock()
		return r.deviceID, r.agentToken, nil
	}
	s.redeemMu.Unlock()

	inv, err := s.store.GetInvitation(ctx, th)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrInvalidCredentials
	}
	if err != nil {
		return "", "", err
	}
	if inv.ConsumedAt != nil {
		return "", "", ErrInvitationConsumed
	}
	if time.Now().After(inv.ExpiresAt) {
		return "", "", ErrInvitationExpired
	}

	device, err := s.store.CreateDevice(ctx, hostname, osDesc, &inv.CreatedBy)
	if err != nil {
		return "", "", err
	}
	won, err := s.store.ConsumeInvitation(ctx, inv.ID, device.ID)
	if err != nil {
		return "", "", err
	}
	if !won {
		// A concurrent redeem consumed it between read and update.
		return "", "", ErrInvitationConsumed
	}
	agentToken, err = s.signer.SignDevice(device.ID)
	if err != nil {
		return "", "", err
	}

	s.redeemMu.Lock()
	s.redeemed[th] = redeemResult{deviceID: device.ID, agentToken: agentToken, at: time.Now()}
	// Opportunistic cleanup of entries past the grace window.
	for k, r := range s.redeemed {
		if time.Since(r.at) > redeemGrace {
			delete(s.redeemed, k)
		}
	}
	s.redeemMu.Unlock()

	slog.Info("[Auth] device registered", "device_id", device.ID, "hostname", hostname)
	return device.ID, agentToken, nil
}

// Verify validates a bearer token and returns its claims.
func (s *Service) Verify(token string) (*Claims, error) {
	return s.signer.Verify(token)
}

// EnsureBootstrapOwner creates the initial owner account when the users table
// is empty. Exactly one enabled owner exists at bootstrap.
func (s *Service) EnsureBootstrapOwner(ctx context.Context, email, password string) error {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if email == "" {
		email = "owner@localhost"
	}
	if password == "" {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		password = "argus-" + hex.EncodeToString(raw)
		slog.Warn("[Auth] bootstrap owner created with a generated password, change it",
			"email", email, "password", password)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := s.store.CreateUser(ctx, email, hash, store.RoleOwner, nil); err != nil {
		return err
	}
	slog.Info("[Auth] bootstrap owner ready", "email", strings.ToLower(email))
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
