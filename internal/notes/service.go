package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingFile     = errors.New("stored file reference is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew      = "notes.service.new"
	opListNotes       = "notes.list_notes"
	opListByAuthor    = "notes.list_by_author"
	opGetNote         = "notes.get_note"
	opGetNoteByFile   = "notes.get_note_by_file"
	opCreateNote      = "notes.create_note"
	opDeleteNote      = "notes.delete_note"
	opCastVote        = "notes.cast_vote"
	opListVotes       = "notes.list_votes"
	noteSelectColumns = "notes.*, COALESCE(users.display_name, '') AS author_name"
	authorJoin        = "LEFT JOIN users ON users.id = notes.user_id"
)

// ServiceConfig describes the dependencies of the note repository and vote ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the note repository and the vote ledger over one relational store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	predicates predicateSet
}

// NewService validates the configuration and constructs the service.
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

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		predicates: predicatesFor(cfg.Database.Dialector.Name()),
	}, nil
}

// ListNotes returns notes matching the filter, newest first, ties in insertion order.
func (s *Service) ListNotes(ctx context.Context, filter Filter) ([]NoteWithAuthor, error) {
	if s.db == nil {
		return nil, errs.New(opListNotes, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	filter = filter.normalized()
	query := s.db.WithContext(ctx).
		Table(Note{}.TableName()).
		Select(noteSelectColumns).
		Joins(authorJoin)
	if filter.Course != "" {
		query = query.Where(s.predicates.equals("notes.course"), filter.Course)
	}
	if filter.Subject != "" {
		query = query.Where(s.predicates.contains("notes.subject"), containsPattern(filter.Subject))
	}
	if filter.Tag != "" {
		query = query.Where(s.predicates.contains("notes.tags"), containsPattern(filter.Tag))
	}

	notes := make([]NoteWithAuthor, 0)
	if err := query.Order("notes.created_at_s DESC").Order("notes.id ASC").Scan(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err,
			zap.String("course", filter.Course),
			zap.String("subject", filter.Subject),
			zap.String("tag", filter.Tag))
		return nil, errs.New(opListNotes, "query_failed", errs.ErrStorage, err)
	}
	return notes, nil
}

// ListNotesByAuthor returns the notes uploaded by one user, newest first.
func (s *Service) ListNotesByAuthor(ctx context.Context, userID UserID) ([]Note, error) {
	if s.db == nil {
		return nil, errs.New(opListByAuthor, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	notes := make([]Note, 0)
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at_s DESC").
		Order("id ASC").
		Find(&notes).Error; err != nil {
		s.logError(opListByAuthor, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, errs.New(opListByAuthor, "query_failed", errs.ErrStorage, err)
	}
	return notes, nil
}

// GetNote loads a single note with its author name.
func (s *Service) GetNote(ctx context.Context, noteID NoteID) (NoteWithAuthor, error) {
	if s.db == nil {
		return NoteWithAuthor{}, errs.New(opGetNote, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	var rows []NoteWithAuthor
	if err := s.db.WithContext(ctx).
		Table(Note{}.TableName()).
		Select(noteSelectColumns).
		Joins(authorJoin).
		Where("notes.id = ?", noteID.Uint64()).
		Limit(1).
		Scan(&rows).Error; err != nil {
		s.logError(opGetNote, "query_failed", err, zap.Uint64("note_id", noteID.Uint64()))
		return NoteWithAuthor{}, errs.New(opGetNote, "query_failed", errs.ErrStorage, err)
	}
	if len(rows) == 0 {
		return NoteWithAuthor{}, errs.New(opGetNote, "note_not_found", errs.ErrNotFound, nil)
	}
	return rows[0], nil
}

// GetNoteByFileName resolves the note owning a generated upload filename.
func (s *Service) GetNoteByFileName(ctx context.Context, fileName string) (Note, error) {
	if s.db == nil {
		return Note{}, errs.New(opGetNoteByFile, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	var note Note
	err := s.db.WithContext(ctx).Where("file_name = ?", fileName).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, errs.New(opGetNoteByFile, "note_not_found", errs.ErrNotFound, err)
	}
	if err != nil {
		s.logError(opGetNoteByFile, "query_failed", err, zap.String("file_name", fileName))
		return Note{}, errs.New(opGetNoteByFile, "query_failed", errs.ErrStorage, err)
	}
	return note, nil
}

// CreateNote inserts a note for the author and returns its generated identifier.
func (s *Service) CreateNote(ctx context.Context, authorID UserID, input NoteInput, file StoredFile) (NoteID, error) {
	if s.db == nil {
		return 0, errs.New(opCreateNote, "missing_database", errs.ErrStorage, errMissingDatabase)
	}
	if file.FileName == "" {
		return 0, errs.New(opCreateNote, "missing_file", errs.ErrValidation, errMissingFile)
	}
	normalized, err := input.normalized()
	if err != nil {
		return 0, errs.New(opCreateNote, "invalid_input", errs.ErrValidation, err)
	}

	note := Note{
		UserID:           authorID.String(),
		Title:            normalized.Title,
		Description:      normalized.Description,
		Course:           normalized.Course,
		Subject:          normalized.Subject,
		Tags:             normalized.Tags,
		FileName:         file.FileName,
		OriginalFilename: file.OriginalFilename,
		ContentType:      file.ContentType,
		SizeBytes:        file.SizeBytes,
		Votes:            0,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err,
			zap.String("user_id", authorID.String()),
			zap.String("file_name", file.FileName))
		return 0, errs.New(opCreateNote, "insert_failed", errs.ErrStorage, err)
	}
	return NoteID(note.ID), nil
}

// DeleteNote removes the note and its vote rows in one transaction and returns the removed note.
func (s *Service) DeleteNote(ctx context.Context, noteID NoteID) (Note, error) {
	if s.db == nil {
		return Note{}, errs.New(opDeleteNote, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	var deleted Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", noteID.Uint64()).
			Take(&deleted).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.New(opDeleteNote, "note_not_found", errs.ErrNotFound, err)
		}
		if err != nil {
			s.logError(opDeleteNote, "note_select_failed", err, zap.Uint64("note_id", noteID.Uint64()))
			return errs.New(opDeleteNote, "note_select_failed", errs.ErrStorage, err)
		}
		if err := tx.Where("note_id = ?", noteID.Uint64()).Delete(&Vote{}).Error; err != nil {
			s.logError(opDeleteNote, "votes_delete_failed", err, zap.Uint64("note_id", noteID.Uint64()))
			return errs.New(opDeleteNote, "votes_delete_failed", errs.ErrStorage, err)
		}
		if err := tx.Where("id = ?", noteID.Uint64()).Delete(&Note{}).Error; err != nil {
			s.logError(opDeleteNote, "note_delete_failed", err, zap.Uint64("note_id", noteID.Uint64()))
			return errs.New(opDeleteNote, "note_delete_failed", errs.ErrStorage, err)
		}
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return deleted, nil
}

// ListVotes returns the ledger rows of a note. A deleted note yields an empty slice.
func (s *Service) ListVotes(ctx context.Context, noteID NoteID) ([]Vote, error) {
	if s.db == nil {
		return nil, errs.New(opListVotes, "missing_database", errs.ErrStorage, errMissingDatabase)
	}

	votes := make([]Vote, 0)
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID.Uint64()).
		Order("created_at_s ASC").
		Find(&votes).Error; err != nil {
		s.logError(opListVotes, "query_failed", err, zap.Uint64("note_id", noteID.Uint64()))
		return nil, errs.New(opListVotes, "query_failed", errs.ErrStorage, err)
	}
	return votes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("notes service error", attrs...)
}

// predicateSet renders the filter comparisons for the active SQL dialect.
// Course equality is case-sensitive; substring matches fold both sides with the database's
// LOWER so a stored value always matches its own text.
type predicateSet struct {
	equals func(column string) string
}

func predicatesFor(dialect string) predicateSet {
	switch dialect {
	case "mysql":
		return predicateSet{
			equals: func(column string) string {
				return fmt.Sprintf("CAST(%s AS BINARY) = CAST(? AS BINARY)", column)
			},
		}
	default:
		return predicateSet{
			equals: func(column string) string {
				return column + " = ?"
			},
		}
	}
}

func (predicateSet) contains(column string) string {
	return fmt.Sprintf("LOWER(%s) LIKE LOWER(?) ESCAPE '!'", column)
}

// containsPattern escapes LIKE wildcards so user input only matches literally.
func containsPattern(value string) string {
	escaped := likeEscaper.Replace(value)
	return "%" + escaped + "%"
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
