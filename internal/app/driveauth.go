package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/semmidev/ferry/internal/adapter/storage"
	"github.com/semmidev/ferry/internal/config"
	"github.com/semmidev/ferry/internal/infrastructure/logger"
)

// DriveAuth walks an operator through Google's consent screen once and saves
// the token the Drive backup target then uses.
type DriveAuth struct {
	config    *oauth2.Config
	tokenFile string
	state     string
	logger    *logger.Logger
	done      chan error
}

func NewDriveAuth(log *logger.Logger, target config.UploadTarget) (*DriveAuth, error) {
	if target.TokenFile == "" {
		return nil, errors.New("gdrive target has no token_file")
	}
	cfg, err := storage.DriveOAuthConfig(target.ClientSecretFile)
	if err != nil {
		return nil, err
	}
	return &DriveAuth{
		config:    cfg,
		tokenFile: target.TokenFile,
		state:     uuid.NewString(),
		logger:    log,
		done:      make(chan error, 1),
	}, nil
}

// Run serves the consent flow on addr until a token was saved or ctx ends.
func (s *DriveAuth) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/google/drive", func(w http.ResponseWriter, r *http.Request) {
		authURL := s.config.AuthCodeURL(s.state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("GET /auth/google/callback", s.callback)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.finish(fmt.Errorf("drive auth server: %w", err))
		}
	}()
	s.logger.Infof("Open http://%s/auth/google/drive to authorize Google Drive uploads", addr)

	var err error
	select {
	case err = <-s.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		s.logger.Warnf("Failed to shutdown drive auth server: %v", serr)
	}
	return err
}

func (s *DriveAuth) callback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != s.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	token, err := s.config.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, fmt.Sprintf("token exchange failed: %v", err), http.StatusInternalServerError)
		return
	}
	if token.RefreshToken == "" {
		http.Error(w, "no refresh token returned, revoke the app's access and authorize again", http.StatusBadRequest)
		return
	}

	if err := storage.SaveDriveToken(s.tokenFile, token); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.finish(err)
		return
	}

	fmt.Fprintf(w, "Google Drive authorized, token saved to %s. You can close this page.\n", s.tokenFile)
	s.logger.Infof("Drive token saved to %s", s.tokenFile)
	s.finish(nil)
}

func (s *DriveAuth) finish(err error) {
	select {
	case s.done <- err:
	default:
	}
}
