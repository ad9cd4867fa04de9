// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data
// API for uploading finished renders. Tokens are persisted via the TokenStore
// interface so the uploader can refresh and reuse them across restarts.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	"github.com/mawnt/renderbot/config"
	"github.com/mawnt/renderbot/render"
)

const provider = "youtube"

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
}

// Service holds the OAuth client config and token persistence. It implements
// render.Uploader once a token has been stored via the auth flow.
type Service struct {
	cfg   *config.Config
	store TokenStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " "))
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/youtube.upload"}
	}
	return &Service{
		cfg:   cfg,
		store: ts,
		oauth: &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
			Scopes:       scopes,
		},
	}
}

// Configured reports whether OAuth client credentials are present at all.
func (s *Service) Configured() bool {
	return s.cfg.YTClientID != "" && s.cfg.YTClientSecret != ""
}

// AuthCodeURL returns the consent URL for the one-time browser auth flow.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange redeems the auth code and persists the resulting token.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(s.oauth.Scopes, " ")); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := s.store.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, errors.New("no youtube token stored")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, ""); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	return newTok, nil
}

func (s *Service) client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return yt.New(s.oauth.Client(ctx, tok))
}

// Upload publishes the video at path and returns its watch URL.
func (s *Service) Upload(ctx context.Context, path, title, description string) (string, error) {
	svc, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	return uploadVideo(ctx, svc, path, title, description, s.cfg.YTPrivacy)
}

func uploadVideo(ctx context.Context, svc *yt.Service, path, title, description, privacy string) (string, error) {
	if privacy == "" {
		privacy = "unlisted"
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: title, Description: description},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", classifyUploadErr(err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}

// classifyUploadErr marks transient failures (network errors, API 429/5xx) as
// remote-unavailable so the delivery retry loop acts on them. Everything else
// (auth, quota, bad request) stays permanent.
func classifyUploadErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError {
			return render.E(render.KindRemoteUnavailable, "youtube.upload", err)
		}
		return fmt.Errorf("youtube upload: %w", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return render.E(render.KindRemoteUnavailable, "youtube.upload", err)
	}
	return fmt.Errorf("youtube upload: %w", err)
}
