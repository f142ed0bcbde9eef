package notes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxIdentifierLength  = 190
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxCourseLength      = 100
	maxSubjectLength     = 200
	maxTagsLength        = 500
)

var (
	// ErrInvalidNoteID indicates that a note identifier is not a positive integer.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidVoteKind indicates a vote magnitude other than +1 or -1.
	ErrInvalidVoteKind = errors.New("notes: vote type must be 1 or -1")
	// ErrInvalidNoteInput indicates missing or oversized note metadata.
	ErrInvalidNoteInput = errors.New("notes: invalid note input")
)

// NoteID represents a validated note identifier.
type NoteID uint64

// ParseNoteID validates raw path input and returns a NoteID.
func ParseNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || value == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNoteID, trimmed)
	}
	return NoteID(value), nil
}

// Uint64 exposes the raw identifier.
func (id NoteID) Uint64() uint64 {
	return uint64(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// VoteKind is the signed magnitude of a vote.
type VoteKind int8

const (
	// VoteKindDownvote subtracts one from the note score.
	VoteKindDownvote VoteKind = -1
	// VoteKindUpvote adds one to the note score.
	VoteKindUpvote VoteKind = 1
)

// ParseVoteKind accepts exactly +1 or -1.
func ParseVoteKind(value int) (VoteKind, error) {
	switch value {
	case 1:
		return VoteKindUpvote, nil
	case -1:
		return VoteKindDownvote, nil
	}
	return 0, fmt.Errorf("%w: got %d", ErrInvalidVoteKind, value)
}

// Valid reports whether the kind is one of the two magnitudes.
func (k VoteKind) Valid() bool {
	return k == VoteKindUpvote || k == VoteKindDownvote
}

func (k VoteKind) String() string {
	switch k {
	case VoteKindUpvote:
		return "upvote"
	case VoteKindDownvote:
		return "downvote"
	default:
		return "invalid"
	}
}

// Note models an uploaded note and its cached aggregate score.
type Note struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID           string `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Title            string `gorm:"column:title;size:200;not null" json:"title"`
	Description      string `gorm:"column:description;type:text" json:"description"`
	Course           string `gorm:"column:course;size:100;index" json:"course"`
	Subject          string `gorm:"column:subject;size:200" json:"subject"`
	Tags             string `gorm:"column:tags;size:500" json:"tags"`
	FileName         string `gorm:"column:file_name;size:190;not null;uniqueIndex" json:"file_name"`
	OriginalFilename string `gorm:"column:original_filename;size:255;not null" json:"original_filename"`
	ContentType      string `gorm:"column:content_type;size:127" json:"content_type"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	Votes            int64  `gorm:"column:votes;not null;default:0" json:"votes"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Vote is one ledger row. The composite key allows at most one vote per user per note.
type Vote struct {
	NoteID           uint64 `gorm:"column:note_id;primaryKey;autoIncrement:false" json:"note_id"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190" json:"user_id"`
	VoteType         int8   `gorm:"column:vote_type;not null" json:"vote_type"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// NoteWithAuthor is a note row joined with its author's display name.
type NoteWithAuthor struct {
	Note
	AuthorName string `gorm:"column:author_name" json:"author_name"`
}

// Filter selects notes for listing. Empty fields are not applied.
type Filter struct {
	Course  string
	Subject string
	Tag     string
}

func (f Filter) normalized() Filter {
	return Filter{
		Course:  strings.TrimSpace(f.Course),
		Subject: strings.TrimSpace(f.Subject),
		Tag:     strings.TrimSpace(f.Tag),
	}
}

// NoteInput carries the client supplied metadata of a new note.
type NoteInput struct {
	Title       string
	Description string
	Course      string
	Subject     string
	Tags        string
}

// StoredFile references a blob already accepted by the upload gateway.
type StoredFile struct {
	FileName         string
	OriginalFilename string
	ContentType      string
	SizeBytes        int64
}

func (input NoteInput) normalized() (NoteInput, error) {
	normalized := NoteInput{
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Course:      strings.TrimSpace(input.Course),
		Subject:     strings.TrimSpace(input.Subject),
		Tags:        NormalizeTags(input.Tags),
	}
	switch {
	case normalized.Title == "":
		return NoteInput{}, fmt.Errorf("%w: title is required", ErrInvalidNoteInput)
	case len(normalized.Title) > maxTitleLength:
		return NoteInput{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidNoteInput, maxTitleLength)
	case len(normalized.Description) > maxDescriptionLength:
		return NoteInput{}, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidNoteInput, maxDescriptionLength)
	case len(normalized.Course) > maxCourseLength:
		return NoteInput{}, fmt.Errorf("%w: course exceeds %d characters", ErrInvalidNoteInput, maxCourseLength)
	case len(normalized.Subject) > maxSubjectLength:
		return NoteInput{}, fmt.Errorf("%w: subject exceeds %d characters", ErrInvalidNoteInput, maxSubjectLength)
	case len(normalized.Tags) > maxTagsLength:
		return NoteInput{}, fmt.Errorf("%w: tags exceed %d characters", ErrInvalidNoteInput, maxTagsLength)
	}
	return normalized, nil
}

// Validate reports whether the metadata would be accepted by CreateNote.
func (input NoteInput) Validate() error {
	_, err := input.normalized()
	return err
}

// NormalizeTags trims each comma separated tag and drops empty entries.
func NormalizeTags(raw string) string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return strings.Join(tags, ",")
}

// VoteResult reports the ledger state after a vote was cast.
type VoteResult struct {
	NoteID NoteID
	Kind   VoteKind
	Score  int64
}
