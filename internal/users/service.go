package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/MarcoPoloResearchLab/notevault/internal/limiter"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "users.service.new"
	opResolveIdentity = "users.resolve_identity"
	opSync            = "users.sync"
	opProfile         = "users.profile"
	opUpdateBio       = "users.update_bio"
	opSetAvatar       = "users.set_avatar"
	opRequireActive   = "users.require_active"
	opRequireAdmin    = "users.require_admin"

	maxBioLength         = 2000
	maxDisplayNameLength = 320
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("database handle is required")
	errUserNotFound    = errors.New("user not found")
	errUserBanned      = errors.New("user is banned")
	errNotAdmin        = errors.New("admin access required")
	errBioTooLong      = errors.New("bio exceeds 2000 characters")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	Limiter      limiter.Limiter
	IDGenerator  func() string
	PasswordCost int
}

// Service manages canonical users, their provider identities and moderation state.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	logger       *zap.Logger
	limiter      limiter.Limiter
	newID        func() string
	passwordCost int
	cache        sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errs.New(opServiceNew, "missing_database", errs.ErrStorage, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	loginLimiter := cfg.Limiter
	if loginLimiter == nil {
		loginLimiter = limiter.Noop{}
	}
	idGenerator := cfg.IDGenerator
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		db:           cfg.Database,
		now:          clock,
		logger:       logger,
		limiter:      loginLimiter,
		newID:        idGenerator,
		passwordCost: cost,
	}, nil
}

// ResolveExternalIdentity returns the canonical user id for verified identity provider claims.
// An unseen provider+subject pair is linked to the user owning the same email when the provider
// verified that email, otherwise it gets a new user.
func (s *Service) ResolveExternalIdentity(ctx context.Context, provider string, claims auth.ExternalClaims) (string, error) {
	provider = normalize(provider)
	subject := normalize(claims.Subject)
	if provider == "" || subject == "" {
		return "", errs.New(opResolveIdentity, "invalid_identity", errs.ErrUnauthenticated, ErrInvalidIdentity)
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	email := normalizeEmail(claims.Email)
	trustedEmail := ""
	if claims.EmailVerified {
		trustedEmail = email
	}
	fields := []zap.Field{zap.String("provider", provider), zap.String("subject", subject)}

	var userID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity Identity
		lookupErr := tx.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
		switch {
		case lookupErr == nil:
			userID = identity.UserID
			updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
			if email != "" && email != identity.Email {
				updates["user_email"] = email
			}
			return tx.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(updates).Error
		case !errors.Is(lookupErr, gorm.ErrRecordNotFound):
			return lookupErr
		}

		linked, linkErr := s.findUserByEmail(tx, trustedEmail)
		if linkErr != nil {
			return linkErr
		}
		if linked != nil {
			userID = linked.ID
		} else {
			user := s.newUser(trustedEmail, displayNameOrDefault(claims.DisplayName, email))
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			userID = user.ID
		}

		return tx.Create(&Identity{
			Provider:   provider,
			Subject:    subject,
			UserID:     userID,
			Email:      email,
			LastSeenAt: s.now().UTC(),
		}).Error
	})
	if err != nil {
		s.logError(opResolveIdentity, "link_failed", err, fields...)
		return "", errs.New(opResolveIdentity, "link_failed", errs.ErrStorage, err)
	}

	s.cache.Store(cacheKey, userID)
	return userID, nil
}

// Sync refreshes the display name reported by the client for the caller. The account
// email is owned by the login credential and is never taken from the client.
func (s *Service) Sync(ctx context.Context, userID string, update ProfileUpdate) error {
	updates := map[string]interface{}{"updated_at_s": s.now().UTC().Unix()}
	if name := normalize(update.DisplayName); name != "" {
		if len(name) > maxDisplayNameLength {
			name = name[:maxDisplayNameLength]
		}
		updates["display_name"] = name
	}
	return s.updateUser(ctx, opSync, userID, updates)
}

// Profile loads the caller's user row.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	user, err := s.loadUser(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errs.New(opProfile, "user_not_found", errs.ErrNotFound, errUserNotFound)
	}
	if err != nil {
		s.logError(opProfile, "query_failed", err, zap.String("user_id", userID))
		return User{}, errs.New(opProfile, "query_failed", errs.ErrStorage, err)
	}
	return user, nil
}

// UpdateBio replaces the caller's biography.
func (s *Service) UpdateBio(ctx context.Context, userID, bio string) error {
	bio = normalize(bio)
	if len(bio) > maxBioLength {
		return errs.New(opUpdateBio, "bio_too_long", errs.ErrValidation, errBioTooLong)
	}
	return s.updateUser(ctx, opUpdateBio, userID, map[string]interface{}{
		"bio":          bio,
		"updated_at_s": s.now().UTC().Unix(),
	})
}

// SetAvatar records a stored avatar filename and returns the filename it replaced.
func (s *Service) SetAvatar(ctx context.Context, userID, fileName string) (string, error) {
	var previous string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUser(tx.Clauses(clause.Locking{Strength: "UPDATE"}), userID)
		if err != nil {
			return err
		}
		previous = user.AvatarFile
		return tx.Model(&User{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"avatar_file":  fileName,
			"updated_at_s": s.now().UTC().Unix(),
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errs.New(opSetAvatar, "user_not_found", errs.ErrNotFound, errUserNotFound)
	}
	if err != nil {
		s.logError(opSetAvatar, "update_failed", err, zap.String("user_id", userID))
		return "", errs.New(opSetAvatar, "update_failed", errs.ErrStorage, err)
	}
	return previous, nil
}

// RequireActive rejects unknown callers and banned users.
func (s *Service) RequireActive(ctx context.Context, userID string) (User, error) {
	user, err := s.loadUser(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errs.New(opRequireActive, "unknown_user", errs.ErrUnauthenticated, errUserNotFound)
	}
	if err != nil {
		s.logError(opRequireActive, "query_failed", err, zap.String("user_id", userID))
		return User{}, errs.New(opRequireActive, "query_failed", errs.ErrStorage, err)
	}
	if user.IsBanned {
		return User{}, errs.New(opRequireActive, "user_banned", errs.ErrForbidden, errUserBanned)
	}
	return user, nil
}

// RequireAdmin rejects callers without the admin flag.
func (s *Service) RequireAdmin(ctx context.Context, userID string) (User, error) {
	user, err := s.loadUser(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errs.New(opRequireAdmin, "unknown_user", errs.ErrUnauthenticated, errUserNotFound)
	}
	if err != nil {
		s.logError(opRequireAdmin, "query_failed", err, zap.String("user_id", userID))
		return User{}, errs.New(opRequireAdmin, "query_failed", errs.ErrStorage, err)
	}
	if !user.IsAdmin || user.IsBanned {
		return User{}, errs.New(opRequireAdmin, "admin_required", errs.ErrForbidden, errNotAdmin)
	}
	return user, nil
}

func (s *Service) newUser(email, displayName string) User {
	now := s.now().UTC().Unix()
	return User{
		ID:               s.newID(),
		Email:            email,
		DisplayName:      displayName,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
}

func (s *Service) loadUser(db *gorm.DB, userID string) (User, error) {
	var user User
	if normalize(userID) == "" {
		return User{}, gorm.ErrRecordNotFound
	}
	err := db.Where("id = ?", userID).Take(&user).Error
	return user, err
}

func (s *Service) findUserByEmail(db *gorm.DB, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	var user User
	err := db.Where("email = ?", email).Order("created_at_s ASC").Order("id ASC").Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) updateUser(ctx context.Context, operation, userID string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		s.logError(operation, "update_failed", result.Error, zap.String("user_id", userID))
		return errs.New(operation, "update_failed", errs.ErrStorage, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the values are unchanged.
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		s.logError(operation, "query_failed", err, zap.String("user_id", userID))
		return errs.New(operation, "query_failed", errs.ErrStorage, err)
	}
	if count == 0 {
		return errs.New(operation, "user_not_found", errs.ErrNotFound, errUserNotFound)
	}
	return nil
}

func displayNameOrDefault(displayName, email string) string {
	if name := normalize(displayName); name != "" {
		if len(name) > maxDisplayNameLength {
			return name[:maxDisplayNameLength]
		}
		return name
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
