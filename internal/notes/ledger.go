package notes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CastVote replaces the caller's vote on a note and recomputes the note score.
// The note row lock, delete, insert and recompute share one transaction.
func (s *Service) CastVote(ctx context.Context, noteID NoteID, userID UserID, kind VoteKind) (VoteResult, error) {
	if s.db == nil {
		return VoteResult{}, errs.New(opCastVote, "missing_database", errs.ErrStorage, errMissingDatabase)
	}
	if !kind.Valid() {
		return VoteResult{}, errs.New(opCastVote, "invalid_vote_type", errs.ErrValidation, ErrInvalidVoteKind)
	}
	if userID == "" {
		return VoteResult{}, errs.New(opCastVote, "missing_user_id", errs.ErrUnauthenticated, ErrInvalidUserID)
	}

	fields := []zap.Field{
		zap.Uint64("note_id", noteID.Uint64()),
		zap.String("user_id", userID.String()),
	}
	castAt := s.clock().UTC().Unix()

	result := VoteResult{NoteID: noteID, Kind: kind}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", noteID.Uint64()).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.New(opCastVote, "note_not_found", errs.ErrNotFound, err)
		}
		if err != nil {
			s.logError(opCastVote, "note_select_failed", err, fields...)
			return errs.New(opCastVote, "note_select_failed", errs.ErrStorage, err)
		}

		if err := tx.Where("note_id = ? AND user_id = ?", noteID.Uint64(), userID.String()).
			Delete(&Vote{}).Error; err != nil {
			s.logError(opCastVote, "vote_delete_failed", err, fields...)
			return errs.New(opCastVote, "vote_delete_failed", errs.ErrStorage, err)
		}

		vote := Vote{
			NoteID:           noteID.Uint64(),
			UserID:           userID.String(),
			VoteType:         int8(kind),
			CreatedAtSeconds: castAt,
		}
		if err := tx.Create(&vote).Error; err != nil {
			s.logError(opCastVote, "vote_insert_failed", err, fields...)
			return errs.New(opCastVote, "vote_insert_failed", errs.ErrStorage, err)
		}

		score, err := recomputeScore(tx, noteID)
		if err != nil {
			s.logError(opCastVote, "score_update_failed", err, fields...)
			return errs.New(opCastVote, "score_update_failed", errs.ErrStorage, err)
		}
		result.Score = score
		return nil
	})
	if txErr != nil {
		return VoteResult{}, txErr
	}

	s.loggerOrDefault().Debug("vote cast",
		append(fields, zap.String("kind", kind.String()), zap.Int64("score", result.Score))...)
	return result, nil
}
