package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/crypto"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/store"
)

// Service issues token pairs for users and keeps refresh tokens sealed at
// rest so they can be revoked.
type Service struct {
	db     store.Store
	issuer *Issuer
	sealer crypto.Sealer
	log    *logger.Logger

	refreshTTL time.Duration
}

// NewService creates the auth service.
func NewService(db store.Store, issuer *Issuer, sealer crypto.Sealer, refreshTTL time.Duration, log *logger.Logger) *Service {
	return &Service{
		db:         db,
		issuer:     issuer,
		sealer:     sealer,
		log:        log,
		refreshTTL: refreshTTL,
	}
}

// Token returns a fresh token pair for username, creating the user on first
// use. Identity federation happens out-of-band; the username is trusted.
func (s *Service) Token(ctx context.Context, username string) (*store.User, *TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil, apperrors.UserInput("username is required")
	}

	user, err := s.db.GetUserByUsername(ctx, username)
	if apperrors.IsNotFound(err) {
		user = &store.User{
			ID:        uuid.New().String(),
			Username:  username,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.db.CreateUser(ctx, user); err != nil {
			return nil, nil, err
		}
		s.log.Info("Created user", zap.String("username", username))
	} else if err != nil {
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new pair. The new refresh
// token is persisted sealed; expired rows are revoked by the reaper.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.Validate(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	return s.issuePair(ctx, claims.UserID)
}

func (s *Service) issuePair(ctx context.Context, userID string) (*TokenPair, error) {
	pair, err := s.issuer.IssuePair(userID)
	if err != nil {
		return nil, apperrors.Runtime("issuing tokens", err)
	}

	sealed, err := s.sealer.Seal([]byte(pair.RefreshToken))
	if err != nil {
		return nil, apperrors.Runtime("sealing refresh token", err)
	}
	record := &store.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Sealed:    sealed,
		ExpiresAt: time.Now().UTC().Add(s.refreshTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateRefreshToken(ctx, record); err != nil {
		return nil, err
	}
	return pair, nil
}
