package users

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opListUsers  = "users.list_users"
	opBan        = "users.ban"
	opUnban      = "users.unban"
	opListBans   = "users.list_bans"
	opGrantAdmin = "users.grant_admin"

	maxBanReasonLength = 1000
)

var (
	errSelfBan          = errors.New("admins cannot ban themselves")
	errBanReasonTooLong = errors.New("ban reason exceeds 1000 characters")
)

// ListUsers returns every user, newest first.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	users := make([]User, 0)
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Order("id ASC").
		Find(&users).Error; err != nil {
		s.logError(opListUsers, "query_failed", err)
		return nil, errs.New(opListUsers, "query_failed", errs.ErrStorage, err)
	}
	return users, nil
}

// Ban flags the target user and appends a ban record in one transaction.
func (s *Service) Ban(ctx context.Context, adminID, targetID, reason string) error {
	targetID = normalize(targetID)
	reason = normalize(reason)
	if targetID == adminID {
		return errs.New(opBan, "self_ban", errs.ErrValidation, errSelfBan)
	}
	if len(reason) > maxBanReasonLength {
		return errs.New(opBan, "reason_too_long", errs.ErrValidation, errBanReasonTooLong)
	}

	now := s.now().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadUser(tx.Clauses(clause.Locking{Strength: "UPDATE"}), targetID); err != nil {
			return err
		}
		if err := tx.Model(&User{}).Where("id = ?", targetID).Updates(map[string]interface{}{
			"is_banned":    true,
			"updated_at_s": now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&BanRecord{
			UserID:           targetID,
			BannedBy:         adminID,
			Reason:           reason,
			CreatedAtSeconds: now,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.New(opBan, "user_not_found", errs.ErrNotFound, errUserNotFound)
	}
	if err != nil {
		s.logError(opBan, "update_failed", err, zap.String("user_id", targetID), zap.String("admin_id", adminID))
		return errs.New(opBan, "update_failed", errs.ErrStorage, err)
	}
	s.logger.Info("user banned", zap.String("user_id", targetID), zap.String("admin_id", adminID))
	return nil
}

// Unban clears the banned flag. The ban log is left untouched.
func (s *Service) Unban(ctx context.Context, targetID string) error {
	return s.updateUser(ctx, opUnban, normalize(targetID), map[string]interface{}{
		"is_banned":    false,
		"updated_at_s": s.now().UTC().Unix(),
	})
}

// ListBans returns the ban log, newest first.
func (s *Service) ListBans(ctx context.Context) ([]BanRecord, error) {
	records := make([]BanRecord, 0)
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		s.logError(opListBans, "query_failed", err)
		return nil, errs.New(opListBans, "query_failed", errs.ErrStorage, err)
	}
	return records, nil
}

// GrantAdmin sets the admin flag on the user matching the id or email.
func (s *Service) GrantAdmin(ctx context.Context, idOrEmail string) (User, error) {
	identifier := normalize(idOrEmail)
	if identifier == "" {
		return User{}, errs.New(opGrantAdmin, "missing_identifier", errs.ErrValidation, errUserNotFound)
	}

	db := s.db.WithContext(ctx)
	user, err := s.loadUser(db, identifier)
	if errors.Is(err, gorm.ErrRecordNotFound) && strings.Contains(identifier, "@") {
		var byEmail *User
		byEmail, err = s.findUserByEmail(db, normalizeEmail(identifier))
		if err == nil && byEmail == nil {
			err = gorm.ErrRecordNotFound
		}
		if byEmail != nil {
			user = *byEmail
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errs.New(opGrantAdmin, "user_not_found", errs.ErrNotFound, errUserNotFound)
	}
	if err != nil {
		s.logError(opGrantAdmin, "query_failed", err, zap.String("identifier", identifier))
		return User{}, errs.New(opGrantAdmin, "query_failed", errs.ErrStorage, err)
	}

	if err := s.updateUser(ctx, opGrantAdmin, user.ID, map[string]interface{}{
		"is_admin":     true,
		"updated_at_s": s.now().UTC().Unix(),
	}); err != nil {
		return User{}, err
	}
	user.IsAdmin = true
	return user, nil
}
