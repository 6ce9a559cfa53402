package services

import (
	"errors"
	"strings"
	"time"

	"github.com/dngun/escrow-backend/internal/auth"
	"github.com/dngun/escrow-backend/internal/models"
	repo "github.com/dngun/escrow-backend/internal/repository"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type UserService struct {
	r  repo.Users
	tm *auth.TokenManager
}

func NewUserService(r repo.Users, tm *auth.TokenManager) *UserService {
	return &UserService{r: r, tm: tm}
}

func (s *UserService) Register(username, email, password string) (models.User, error) {
	u := models.User{Username: strings.TrimSpace(username), Email: strings.TrimSpace(email), Role: "user"}
	if err := u.Validate(); err != nil {
		return models.User{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	return s.r.Create(u.Username, u.Email, hash, u.Role)
}

func (s *UserService) Login(email, password string) (models.User, TokenPair, error) {
	u, err := s.r.GetByEmail(strings.TrimSpace(email))
	if err != nil {
		return models.User{}, TokenPair{}, ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(password, u.PasswordHash); err != nil {
		return models.User{}, TokenPair{}, ErrInvalidCredentials
	}
	pair, err := s.issuePair(u)
	if err != nil {
		return models.User{}, TokenPair{}, err
	}
	return u, pair, nil
}

// Refresh trades a valid refresh token for a fresh pair. The user is
// re-read so a deleted account can't keep minting tokens.
func (s *UserService) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := s.tm.ParseRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	u, err := s.r.GetByID(claims.UserID)
	if err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.issuePair(u)
}

func (s *UserService) issuePair(u models.User) (TokenPair, error) {
	access, refresh, exp, err := s.tm.GeneratePair(u.ID, u.Role)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

func (s *UserService) Get(id string) (models.User, error) { return s.r.GetByID(id) }

func (s *UserService) List() ([]models.User, error) { return s.r.List() }

// SetPaymentMethod stores the user's payout destination, e.g.
// "paypal:seller@example.com". An empty method clears it.
func (s *UserService) SetPaymentMethod(id, method string) (models.User, error) {
	if err := s.r.UpdatePaymentMethod(id, strings.TrimSpace(method)); err != nil {
		return models.User{}, err
	}
	return s.r.GetByID(id)
}

func (s *UserService) Delete(id string) error { return s.r.Delete(id) }
