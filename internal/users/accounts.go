package users

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"

	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
	maxEmailLength    = 320
)

var (
	errInvalidEmail       = errors.New("a valid email address is required")
	errInvalidPassword    = errors.New("password must be between 8 and 72 bytes")
	errEmailTaken         = errors.New("email already registered")
	errInvalidCredentials = errors.New("invalid email or password")
	errLoginBlocked       = errors.New("too many failed login attempts")
)

// Register creates a local account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, registration Registration) (User, error) {
	email := normalizeEmail(registration.Email)
	if !validEmail(email) {
		return User{}, errs.New(opRegister, "invalid_email", errs.ErrValidation, errInvalidEmail)
	}
	if len(registration.Password) < minPasswordLength || len(registration.Password) > maxPasswordLength {
		return User{}, errs.New(opRegister, "invalid_password", errs.ErrValidation, errInvalidPassword)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(registration.Password), s.passwordCost)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return User{}, errs.New(opRegister, "hash_failed", errs.ErrStorage, err)
	}

	user := s.newUser(email, displayNameOrDefault(registration.DisplayName, email))
	user.PasswordHash = string(hash)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, lookupErr := s.findUserByEmail(tx, email)
		if lookupErr != nil {
			return lookupErr
		}
		if existing != nil {
			return errEmailTaken
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return tx.Create(&Identity{
			Provider:   ProviderLocal,
			Subject:    email,
			UserID:     user.ID,
			Email:      email,
			LastSeenAt: s.now().UTC(),
		}).Error
	})
	if errors.Is(err, errEmailTaken) {
		return User{}, errs.New(opRegister, "email_taken", errs.ErrConflict, err)
	}
	if err != nil {
		s.logError(opRegister, "insert_failed", err, zap.String("email", email))
		return User{}, errs.New(opRegister, "insert_failed", errs.ErrStorage, err)
	}
	return user, nil
}

// Authenticate verifies a local email and password. Repeated failures from one client
// are locked out by the configured limiter.
func (s *Service) Authenticate(ctx context.Context, email, password, clientIP string) (User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return User{}, errs.New(opAuthenticate, "invalid_credentials", errs.ErrUnauthenticated, errInvalidCredentials)
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, email, clientIP)
	if err != nil {
		s.logError(opAuthenticate, "limiter_unavailable", err)
		return User{}, errs.New(opAuthenticate, "limiter_unavailable", errs.ErrStorage, err)
	}
	if !allowed {
		s.logger.Info("login blocked",
			zap.String("email", email),
			zap.Duration("retry_after", retryAfter.Round(time.Second)))
		return User{}, errs.New(opAuthenticate, "login_blocked", errs.ErrRateLimited, errLoginBlocked)
	}

	user, err := s.lookupLocalUser(ctx, email)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opAuthenticate, "query_failed", err, zap.String("email", email))
		return User{}, errs.New(opAuthenticate, "query_failed", errs.ErrStorage, err)
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		blocked, _, failureErr := s.limiter.Failure(ctx, email, clientIP)
		if failureErr != nil {
			s.logError(opAuthenticate, "limiter_record_failed", failureErr)
		}
		if blocked {
			return User{}, errs.New(opAuthenticate, "login_blocked", errs.ErrRateLimited, errLoginBlocked)
		}
		return User{}, errs.New(opAuthenticate, "invalid_credentials", errs.ErrUnauthenticated, errInvalidCredentials)
	}

	if err := s.limiter.Success(ctx, email, clientIP); err != nil {
		s.logError(opAuthenticate, "limiter_reset_failed", err)
	}
	if user.IsBanned {
		return User{}, errs.New(opAuthenticate, "user_banned", errs.ErrForbidden, errUserBanned)
	}
	return user, nil
}

func (s *Service) lookupLocalUser(ctx context.Context, email string) (User, error) {
	var identity Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", ProviderLocal, email).
		Take(&identity).Error; err != nil {
		return User{}, err
	}
	return s.loadUser(s.db.WithContext(ctx), identity.UserID)
}

func validEmail(email string) bool {
	if email == "" || len(email) > maxEmailLength {
		return false
	}
	address, err := mail.ParseAddress(email)
	return err == nil && address.Address == email
}
