// Package uploads accepts note files and avatars, names them and hands them to a blob store.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Namespace partitions stored blobs by purpose.
type Namespace string

const (
	// NamespaceNotes holds uploaded note documents.
	NamespaceNotes Namespace = "notes"
	// NamespaceProfiles holds avatar images.
	NamespaceProfiles Namespace = "profiles"

	opAccept = "uploads.accept"
	opOpen   = "uploads.open"
	opRemove = "uploads.remove"
	opNew    = "uploads.gateway.new"

	defaultContentType = "application/octet-stream"
)

var (
	// ErrBlobNotFound is returned by stores for unknown blobs.
	ErrBlobNotFound = errors.New("uploads: blob not found")
	// ErrFileTooLarge indicates the upload exceeded its namespace limit.
	ErrFileTooLarge = errors.New("uploads: file too large")

	errMissingStore        = errors.New("blob store is required")
	errMissingFile         = errors.New("no file uploaded")
	errUnsupportedFileType = errors.New("file type not allowed")
	errInvalidFileName     = errors.New("invalid file name")
	errUnknownNamespace    = errors.New("unknown upload namespace")
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// BlobStore persists opaque blobs by namespace and generated name.
type BlobStore interface {
	Put(ctx context.Context, namespace Namespace, name string, content io.Reader, size int64, contentType string) error
	Open(ctx context.Context, namespace Namespace, name string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, namespace Namespace, name string) error
}

// Upload is a client file as received by the HTTP layer.
type Upload struct {
	OriginalFilename string
	ContentType      string
	Size             int64
	Content          io.Reader
}

// Stored references an accepted blob.
type Stored struct {
	FileName         string
	OriginalFilename string
	ContentType      string
	SizeBytes        int64
}

// Policy bounds what a namespace accepts.
type Policy struct {
	MaxBytes   int64
	Extensions []string
}

func (p Policy) allows(extension string) bool {
	for _, allowed := range p.Extensions {
		if allowed == extension {
			return true
		}
	}
	return false
}

// GatewayConfig describes the dependencies of the upload gateway.
type GatewayConfig struct {
	Store          BlobStore
	MaxNoteBytes   int64
	MaxAvatarBytes int64
	Logger         *zap.Logger
	NameGenerator  func() string
}

// Gateway validates uploads, assigns random filenames and stores them.
type Gateway struct {
	store    BlobStore
	policies map[Namespace]Policy
	newName  func() string
	logger   *zap.Logger
}

// NewGateway constructs the gateway with the note and avatar policies.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNew, "missing_store", errs.ErrStorage, errMissingStore)
	}
	if cfg.MaxNoteBytes <= 0 || cfg.MaxAvatarBytes <= 0 {
		return nil, errs.New(opNew, "invalid_limits", errs.ErrValidation, fmt.Errorf("upload limits must be positive"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nameGenerator := cfg.NameGenerator
	if nameGenerator == nil {
		nameGenerator = uuid.NewString
	}
	return &Gateway{
		store: cfg.Store,
		policies: map[Namespace]Policy{
			NamespaceNotes: {
				MaxBytes:   cfg.MaxNoteBytes,
				Extensions: []string{".pdf", ".doc", ".docx", ".jpg", ".jpeg", ".png"},
			},
			NamespaceProfiles: {
				MaxBytes:   cfg.MaxAvatarBytes,
				Extensions: []string{".jpg", ".jpeg", ".png"},
			},
		},
		newName: nameGenerator,
		logger:  logger,
	}, nil
}

// Accept validates the upload and stores it under "<random id><original extension>".
func (g *Gateway) Accept(ctx context.Context, namespace Namespace, upload Upload) (Stored, error) {
	policy, ok := g.policies[namespace]
	if !ok {
		return Stored{}, errs.New(opAccept, "unknown_namespace", errs.ErrValidation, errUnknownNamespace)
	}
	if upload.Content == nil || strings.TrimSpace(upload.OriginalFilename) == "" {
		return Stored{}, errs.New(opAccept, "missing_file", errs.ErrValidation, errMissingFile)
	}
	extension := strings.ToLower(filepath.Ext(upload.OriginalFilename))
	if !policy.allows(extension) {
		return Stored{}, errs.New(opAccept, "unsupported_file_type", errs.ErrValidation,
			fmt.Errorf("%w: %q", errUnsupportedFileType, extension))
	}
	if upload.Size > policy.MaxBytes {
		return Stored{}, errs.New(opAccept, "file_too_large", errs.ErrValidation, ErrFileTooLarge)
	}

	stored := Stored{
		FileName:         g.newName() + extension,
		OriginalFilename: filepath.Base(upload.OriginalFilename),
		ContentType:      contentTypeFor(upload.ContentType, extension),
		SizeBytes:        upload.Size,
	}
	content := &limitedReader{reader: upload.Content, remaining: policy.MaxBytes}
	if err := g.store.Put(ctx, namespace, stored.FileName, content, upload.Size, stored.ContentType); err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return Stored{}, errs.New(opAccept, "file_too_large", errs.ErrValidation, err)
		}
		g.logError(opAccept, "store_failed", err, zap.String("namespace", string(namespace)), zap.String("file_name", stored.FileName))
		return Stored{}, errs.New(opAccept, "store_failed", errs.ErrStorage, err)
	}
	if stored.SizeBytes <= 0 {
		stored.SizeBytes = content.read
	}
	return stored, nil
}

// Open streams a stored blob. Only names the gateway could have generated are accepted.
func (g *Gateway) Open(ctx context.Context, namespace Namespace, fileName string) (io.ReadCloser, ObjectInfo, error) {
	if err := g.validateName(namespace, fileName); err != nil {
		return nil, ObjectInfo{}, errs.New(opOpen, "blob_not_found", errs.ErrNotFound, err)
	}
	reader, info, err := g.store.Open(ctx, namespace, fileName)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, ObjectInfo{}, errs.New(opOpen, "blob_not_found", errs.ErrNotFound, err)
	}
	if err != nil {
		g.logError(opOpen, "store_failed", err, zap.String("namespace", string(namespace)), zap.String("file_name", fileName))
		return nil, ObjectInfo{}, errs.New(opOpen, "store_failed", errs.ErrStorage, err)
	}
	if info.ContentType == "" {
		info.ContentType = contentTypeFor("", strings.ToLower(filepath.Ext(fileName)))
	}
	return reader, info, nil
}

// Remove deletes a blob. Missing blobs are not an error.
func (g *Gateway) Remove(ctx context.Context, namespace Namespace, fileName string) error {
	if err := g.validateName(namespace, fileName); err != nil {
		return nil
	}
	err := g.store.Delete(ctx, namespace, fileName)
	if err == nil || errors.Is(err, ErrBlobNotFound) {
		return nil
	}
	g.logError(opRemove, "store_failed", err, zap.String("namespace", string(namespace)), zap.String("file_name", fileName))
	return errs.New(opRemove, "store_failed", errs.ErrStorage, err)
}

func (g *Gateway) validateName(namespace Namespace, fileName string) error {
	policy, ok := g.policies[namespace]
	if !ok {
		return errUnknownNamespace
	}
	extension := strings.ToLower(filepath.Ext(fileName))
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if !policy.allows(extension) || stem == "" || strings.ContainsAny(stem, `/\.`) {
		return errInvalidFileName
	}
	return nil
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	g.logger.Error("uploads gateway error", append(attrs, fields...)...)
}

func contentTypeFor(declared, extension string) string {
	if byExtension := mime.TypeByExtension(extension); byExtension != "" {
		return byExtension
	}
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	return defaultContentType
}

// limitedReader fails once more than remaining bytes are read.
type limitedReader struct {
	reader    io.Reader
	remaining int64
	read      int64
}

func (r *limitedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)
	if r.read > r.remaining {
		return n, ErrFileTooLarge
	}
	return n, err
}
