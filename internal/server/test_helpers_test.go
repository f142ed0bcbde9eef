package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/database"
	"github.com/MarcoPoloResearchLab/notevault/internal/limiter"
	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/uploads"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testSigningSecret  = "server-test-secret"
	testPassword       = "correct horse battery"
	jsonContentType    = "application/json"
	testMaxNoteBytes   = 64 * 1024
	testMaxAvatarBytes = 16 * 1024
)

var testDatabaseSequence atomic.Int64

type testStack struct {
	handler      http.Handler
	db           *gorm.DB
	notesService *notes.Service
	usersService *users.Service
	tokens       *auth.TokenIssuer
	uploads      *uploads.Gateway
}

func newTestStack(testContext *testing.T) *testStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:notevault_server_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := database.Open(database.DriverSQLite, dsn, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })

	notesService, err := notes.NewService(notes.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{
		Database:     db,
		Logger:       zap.NewNop(),
		Limiter:      limiter.Noop{},
		PasswordCost: bcrypt.MinCost,
	})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "notevault-auth",
		Audience:      "notevault-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	gateway, err := auth.NewGateway(auth.GatewayConfig{Tokens: tokens})
	if err != nil {
		testContext.Fatalf("failed to build auth gateway: %v", err)
	}
	store, err := uploads.NewDiskStore(testContext.TempDir())
	if err != nil {
		testContext.Fatalf("failed to build disk store: %v", err)
	}
	uploadGateway, err := uploads.NewGateway(uploads.GatewayConfig{
		Store:          store,
		MaxNoteBytes:   testMaxNoteBytes,
		MaxAvatarBytes: testMaxAvatarBytes,
	})
	if err != nil {
		testContext.Fatalf("failed to build upload gateway: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Identity:       gateway,
		Tokens:         gateway,
		NotesService:   notesService,
		UsersService:   usersService,
		Uploads:        uploadGateway,
		Logger:         zap.NewNop(),
		AllowedOrigins: []string{"https://app.example.com"},
		MaxUploadBytes: testMaxNoteBytes,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	return &testStack{
		handler:      handler,
		db:           db,
		notesService: notesService,
		usersService: usersService,
		tokens:       tokens,
		uploads:      uploadGateway,
	}
}

// registerUser creates a local account and returns its id and a bearer token.
func (s *testStack) registerUser(testContext *testing.T, email string) (string, string) {
	testContext.Helper()
	user, err := s.usersService.Register(context.Background(), users.Registration{
		Email:       email,
		Password:    testPassword,
		DisplayName: email,
	})
	if err != nil {
		testContext.Fatalf("failed to register %s: %v", email, err)
	}
	issued, err := s.tokens.IssueToken(context.Background(), user.ID)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return user.ID, issued.AccessToken
}

func (s *testStack) registerAdmin(testContext *testing.T, email string) (string, string) {
	testContext.Helper()
	userID, token := s.registerUser(testContext, email)
	if _, err := s.usersService.GrantAdmin(context.Background(), userID); err != nil {
		testContext.Fatalf("failed to grant admin: %v", err)
	}
	return userID, token
}

// createNote inserts a note directly through the repository.
func (s *testStack) createNote(testContext *testing.T, authorID, title, course string) notes.NoteID {
	testContext.Helper()
	author, err := notes.NewUserID(authorID)
	if err != nil {
		testContext.Fatalf("invalid author: %v", err)
	}
	noteID, err := s.notesService.CreateNote(context.Background(), author, notes.NoteInput{
		Title:  title,
		Course: course,
	}, notes.StoredFile{
		FileName:         fmt.Sprintf("fixture-%d.pdf", testDatabaseSequence.Add(1)),
		OriginalFilename: title + ".pdf",
		ContentType:      "application/pdf",
	})
	if err != nil {
		testContext.Fatalf("failed to create note: %v", err)
	}
	return noteID
}

func (s *testStack) storedScore(testContext *testing.T, noteID notes.NoteID) int64 {
	testContext.Helper()
	note, err := s.notesService.GetNote(context.Background(), noteID)
	if err != nil {
		testContext.Fatalf("failed to load note: %v", err)
	}
	return note.Votes
}

func (s *testStack) perform(method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = http.NoBody
	}
	request := httptest.NewRequest(method, path, body)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testStack) performJSON(testContext *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	testContext.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	return s.perform(method, path, token, bytes.NewReader(encoded), jsonContentType)
}

func multipartBody(testContext *testing.T, fields map[string]string, fileField, fileName string, content []byte) (io.Reader, string) {
	testContext.Helper()
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			testContext.Fatalf("failed to write field: %v", err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			testContext.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			testContext.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		testContext.Fatalf("failed to close multipart writer: %v", err)
	}
	return buffer, writer.FormDataContentType()
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder, target any) {
	testContext.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
