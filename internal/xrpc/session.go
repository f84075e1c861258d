package xrpc

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/dghubble/sling"
	"go.uber.org/zap"

	"github.com/mikequentel/notesky/internal/config"
	errs "github.com/mikequentel/notesky/internal/errors"
	"github.com/mikequentel/notesky/internal/model"
)

const (
	DefaultService = "https://bsky.social"

	nsidCreateSession = "com.atproto.server.createSession"
	nsidGetProfile    = "app.bsky.actor.getProfile"
	nsidUploadBlob    = "com.atproto.repo.uploadBlob"
	nsidCreateRecord  = "com.atproto.repo.createRecord"

	// One re-login per authenticated call, never more.
	maxReauth = 1
)

// Session owns the access/refresh pair and every call that needs it.
// Concurrent 401s may each log in again; login is idempotent so the
// duplicate work is harmless.
type Session struct {
	logger *zap.Logger
	base   *sling.Sling

	mu       sync.RWMutex
	settings model.Settings
	creds    model.Credentials
	avatar   string
}

// NewSession talks to service (for example DefaultService) through hc.
func NewSession(hc *http.Client, service string, settings model.Settings, logger *zap.Logger) *Session {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == "" {
		service = DefaultService
	}
	base := sling.New().
		Client(hc).
		Base(strings.TrimRight(service, "/") + "/xrpc/").
		ResponseDecoder(bodyDecoder{})
	return &Session{logger: logger, base: base, settings: settings}
}

func (s *Session) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Handle
}

// Avatar is the profile picture URL fetched at the last login, if any.
func (s *Session) Avatar() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avatar
}

func (s *Session) Credentials() model.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Session) Authenticated() bool {
	return s.Credentials().AccessJwt != ""
}

// Login creates a fresh session from the configured handle and app password.
// The avatar lookup that follows is best-effort.
func (s *Session) Login(ctx context.Context) error {
	s.mu.RLock()
	settings := s.settings
	s.mu.RUnlock()

	if err := config.ValidateSettings(settings); err != nil {
		return err
	}

	var out model.CreateSessionResp
	req := s.base.New().Post(nsidCreateSession).BodyJSON(model.CreateSessionReq{
		Identifier: settings.Handle,
		Password:   settings.AppPassword,
	})
	status, err := s.send(ctx, req, nsidCreateSession, &out)
	if err != nil {
		return errs.NewAuthentication(status, err)
	}

	s.mu.Lock()
	s.creds = model.Credentials{AccessJwt: out.AccessJwt, RefreshJwt: out.RefreshJwt, DID: out.DID}
	s.mu.Unlock()
	s.logger.Info("logged in", zap.String("handle", settings.Handle), zap.String("did", out.DID))

	if avatar, err := s.fetchAvatar(ctx, out.DID); err != nil {
		s.logger.Warn("avatar lookup failed", zap.String("did", out.DID), zap.Error(err))
	} else {
		s.mu.Lock()
		s.avatar = avatar
		s.mu.Unlock()
	}
	return nil
}

// EnsureSession logs in unless a token is already held.
func (s *Session) EnsureSession(ctx context.Context) error {
	if s.Authenticated() {
		return nil
	}
	return s.Login(ctx)
}

func (s *Session) fetchAvatar(ctx context.Context, did string) (string, error) {
	var out model.ProfileResp
	req := s.base.New().Get(nsidGetProfile).
		QueryStruct(model.GetProfileParams{Actor: did}).
		Set("Authorization", "Bearer "+s.Credentials().AccessJwt)
	if _, err := s.send(ctx, req, nsidGetProfile, &out); err != nil {
		return "", err
	}
	return out.Avatar, nil
}

// UploadBlob stores raw bytes and returns the reference to embed in a record.
func (s *Session) UploadBlob(ctx context.Context, data []byte, mimeType string) (model.Blob, error) {
	if err := s.EnsureSession(ctx); err != nil {
		return model.Blob{}, err
	}
	var out model.UploadBlobResp
	status, err := s.doAuthed(ctx, nsidUploadBlob, func(b *sling.Sling) *sling.Sling {
		// A fresh reader per attempt; the first one is drained by then.
		return b.Post(nsidUploadBlob).
			Set("Content-Type", mimeType).
			Body(bytes.NewReader(data))
	}, &out)
	if err != nil {
		return model.Blob{}, errs.NewUpload(status, err)
	}
	return model.NewBlob(out.Blob), nil
}

// CreateRecord submits rec to the handle's repo as a post.
func (s *Session) CreateRecord(ctx context.Context, rec model.PostRecord) (model.CreateRecordResp, error) {
	if err := s.EnsureSession(ctx); err != nil {
		return model.CreateRecordResp{}, err
	}
	var out model.CreateRecordResp
	status, err := s.doAuthed(ctx, nsidCreateRecord, func(b *sling.Sling) *sling.Sling {
		return b.Post(nsidCreateRecord).BodyJSON(model.CreateRecordReq{
			Repo:       s.Handle(),
			Collection: model.PostCollection,
			Record:     rec,
		})
	}, &out)
	if err != nil {
		return model.CreateRecordResp{}, errs.NewSubmission(status, err)
	}
	return out, nil
}

// doAuthed sends the request built by build with the current bearer token.
// On a 401 it logs in once and sends a rebuilt request; a second 401 ends it.
func (s *Session) doAuthed(ctx context.Context, endpoint string, build func(*sling.Sling) *sling.Sling, successV interface{}) (int, error) {
	for attempt := 0; ; attempt++ {
		req := build(s.base.New()).Set("Authorization", "Bearer "+s.Credentials().AccessJwt)
		status, err := s.send(ctx, req, endpoint, successV)
		if status != http.StatusUnauthorized {
			return status, err
		}
		if attempt >= maxReauth {
			return status, errs.NewAuthorizationExpired(endpoint)
		}
		s.logger.Info("access token rejected, logging in again", zap.String("endpoint", endpoint))
		if err := s.Login(ctx); err != nil {
			return status, err
		}
	}
}

// send returns the HTTP status (0 when no response arrived) and a non-nil
// error for transport failures, non-2xx statuses and undecodable bodies.
func (s *Session) send(ctx context.Context, sl *sling.Sling, endpoint string, successV interface{}) (int, error) {
	req, err := sl.Request()
	if err != nil {
		return 0, err
	}
	var failure []byte
	resp, err := sl.Do(req.WithContext(ctx), successV, &failure)
	if resp == nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Detail:   diagnoseHTTPError(resp, failure, endpoint),
		}
	}
	return resp.StatusCode, err
}
