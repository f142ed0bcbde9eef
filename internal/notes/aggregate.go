package notes

import (
	"context"

	"gorm.io/gorm"
)

// recomputeScore writes SUM(vote_type) of the note's ledger rows into notes.votes.
// Callers run it inside the transaction that changed the ledger.
func recomputeScore(tx *gorm.DB, noteID NoteID) (int64, error) {
	var score int64
	row := tx.Model(&Vote{}).
		Select("COALESCE(SUM(vote_type), 0)").
		Where("note_id = ?", noteID.Uint64()).
		Row()
	if err := row.Scan(&score); err != nil {
		return 0, err
	}
	if err := tx.Model(&Note{}).
		Where("id = ?", noteID.Uint64()).
		Update("votes", score).Error; err != nil {
		return 0, err
	}
	return score, nil
}

// RepairScores recomputes every note score from the ledger in one statement.
func RepairScores(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(
		"UPDATE notes SET votes = (SELECT COALESCE(SUM(votes.vote_type), 0) FROM votes WHERE votes.note_id = notes.id)",
	).Error
}
