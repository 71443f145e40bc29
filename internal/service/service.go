package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"user_service/internal/auth"
	"user_service/internal/events"
	"user_service/internal/metrics"
	"user_service/internal/models"
	"user_service/internal/storage"

	"github.com/gofrs/uuid"
)

type Service interface {
	Register(ctx context.Context, userID, password, phoneNumber string) (uuid.UUID, error)
	Login(ctx context.Context, cc models.ClientContext, userID, password string) (models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (models.Token, error)
	Logout(ctx context.Context, refreshToken string) error
	GetProfile(ctx context.Context, cc models.ClientContext) (models.ProfileView, error)
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

type AccountRepository interface {
	FindByUserID(ctx context.Context, userID string) (models.Account, error)
	Save(ctx context.Context, account models.Account) (uuid.UUID, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

type RevocationList interface {
	Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Hasher interface {
	auth.CredentialHasher
	DummyDigest() string
}

type TokenCodec interface {
	IssueAccessToken(userID, device string) (models.Token, error)
	IssueAccessRefreshPair(userID, device string) (models.TokenPair, error)
	Validate(token string, kind models.TokenKind) (*auth.Claims, error)
}

type service struct {
	accounts  AccountRepository
	revoked   RevocationList
	hasher    Hasher
	tokens    TokenCodec
	publisher events.Publisher
	log       *slog.Logger
	now       func() time.Time
}

func NewService(
	accounts AccountRepository,
	revoked RevocationList,
	hasher Hasher,
	tokens TokenCodec,
	publisher events.Publisher,
	log *slog.Logger,
) *service {
	return &service{
		accounts:  accounts,
		revoked:   revoked,
		hasher:    hasher,
		tokens:    tokens,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (s *service) Register(ctx context.Context, userID, password, phoneNumber string) (uuid.UUID, error) {
	const op = "service.Register"

	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrBadParameter)
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return uuid.Nil, fmt.Errorf("%s: %w: %v", op, ErrBadParameter, err)
		}
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	account := models.Account{
		UserID:       userID,
		PasswordHash: digest,
		PhoneNumber:  strings.TrimSpace(phoneNumber),
		CreatedAt:    s.now().UTC(),
	}

	id, err := s.accounts.Save(ctx, account)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrDuplicateUser)
		}
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}
	account.ID = id

	// The account is committed at this point; a lost event must not undo it.
	event := events.NewAccountChangeEvent(models.ActionCreate, account, s.now())
	if err := s.publisher.Publish(ctx, models.UserInfoTopic, event); err != nil {
		s.log.Warn("account event not queued",
			slog.String("op", op),
			slog.String("user_id", userID),
			slog.String("event_id", event.EventID),
			slog.Any("error", err),
		)
	}

	return id, nil
}

// Login returns ErrUserNotFound and ErrInvalidCredentials separately; callers
// facing clients must not tell them apart.
func (s *service) Login(ctx context.Context, cc models.ClientContext, userID, password string) (models.TokenPair, error) {
	const op = "service.Login"

	if cc.Device == "" {
		return models.TokenPair{}, fmt.Errorf("%s: %w: device", op, ErrMissingContext)
	}

	account, err := s.accounts.FindByUserID(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.Matches(password, s.hasher.DummyDigest())
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if !s.hasher.Matches(password, account.PasswordHash) {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := s.tokens.IssueAccessRefreshPair(account.UserID, cc.Device)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	metrics.TokenIssued(string(models.AccessTokenKind))
	metrics.TokenIssued(string(models.RefreshTokenKind))

	return pair, nil
}

// Refresh mints a new access token for the subject and device of a valid,
// unrevoked refresh token. The refresh token itself is not rotated.
func (s *service) Refresh(ctx context.Context, refreshToken string) (models.Token, error) {
	const op = "service.Refresh"

	claims, err := s.tokens.Validate(refreshToken, models.RefreshTokenKind)
	if err != nil {
		return models.Token{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return models.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		return models.Token{}, fmt.Errorf("%s: %w: revoked", op, ErrInvalidToken)
	}

	exists, err := s.accounts.Exists(ctx, claims.Subject)
	if err != nil {
		return models.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return models.Token{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	access, err := s.tokens.IssueAccessToken(claims.Subject, claims.Device)
	if err != nil {
		return models.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	metrics.TokenIssued(string(models.AccessTokenKind))

	return access, nil
}

// Logout revokes the refresh token until its natural expiry. Revoking an
// already revoked token is not an error.
func (s *service) Logout(ctx context.Context, refreshToken string) error {
	const op = "service.Logout"

	claims, err := s.tokens.Validate(refreshToken, models.RefreshTokenKind)
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if err := s.revoked.Revoke(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *service) GetProfile(ctx context.Context, cc models.ClientContext) (models.ProfileView, error) {
	const op = "service.GetProfile"

	if cc.UserID == "" {
		return models.ProfileView{}, fmt.Errorf("%s: %w: user id", op, ErrMissingContext)
	}

	account, err := s.accounts.FindByUserID(ctx, cc.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ProfileView{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.ProfileView{}, fmt.Errorf("%s: %w", op, err)
	}

	return account.Profile(), nil
}

func (s *service) Authenticate(_ context.Context, accessToken string) (string, error) {
	const op = "service.Authenticate"

	claims, err := s.tokens.Validate(accessToken, models.AccessTokenKind)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims.Subject, nil
}
