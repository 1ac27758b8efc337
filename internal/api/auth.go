package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clipproof/clipproof-go/internal/tokenfile"
)

// refreshTimeout bounds a single token refresh call. Refresh happens on the
// error path of an in-flight transfer, so it must not hang indefinitely.
const refreshTimeout = 15 * time.Second

// Authenticator manages the platform credential pair. It implements
// TokenSource for API requests and provides AttemptRefresh for recovering
// from mid-transfer token expiry. Thread-safe: concurrent transfers share
// one Authenticator, and two simultaneous refreshes would invalidate each
// other's refresh tokens.
type Authenticator struct {
	baseURL    string
	httpClient *http.Client
	credsPath  string
	logger     *slog.Logger

	mu    sync.Mutex
	creds *tokenfile.Credentials
	meta  map[string]string
}

// loginRequest is the JSON body for password login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// refreshRequest is the JSON body for token refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is the JSON shape returned by both auth endpoints.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Workspace    string `json:"workspace,omitempty"`
	Email        string `json:"email,omitempty"`
}

// NewAuthenticator loads saved credentials from credsPath and returns an
// Authenticator bound to them. Returns ErrNotLoggedIn if no credential file
// exists.
func NewAuthenticator(baseURL, credsPath string, httpClient *http.Client, logger *slog.Logger) (*Authenticator, error) {
	creds, meta, err := tokenfile.Load(credsPath)
	if err != nil {
		return nil, err
	}

	if creds == nil {
		return nil, ErrNotLoggedIn
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger.Debug("loaded saved credentials",
		slog.String("path", credsPath),
		slog.Time("expiry", creds.Expiry),
		slog.Bool("valid", creds.Valid()),
	)

	return &Authenticator{
		baseURL:    baseURL,
		httpClient: httpClient,
		credsPath:  credsPath,
		logger:     logger,
		creds:      creds,
		meta:       meta,
	}, nil
}

// Login authenticates with email and password, persists the resulting
// credential pair to credsPath, and returns an Authenticator bound to it.
func Login(
	ctx context.Context, baseURL, credsPath, email, password string,
	httpClient *http.Client, logger *slog.Logger,
) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	tr, err := postAuth(ctx, httpClient, baseURL+"/v1/auth/login", loginRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("api: login failed: %w", err)
	}

	creds := tr.toCredentials()

	meta := map[string]string{}
	if tr.Workspace != "" {
		meta["workspace"] = tr.Workspace
	}

	if tr.Email != "" {
		meta["email"] = tr.Email
	}

	if saveErr := tokenfile.Save(credsPath, creds, meta); saveErr != nil {
		return nil, fmt.Errorf("api: saving credentials: %w", saveErr)
	}

	logger.Info("login successful",
		slog.String("path", credsPath),
		slog.Time("expiry", creds.Expiry),
	)

	return &Authenticator{
		baseURL:    baseURL,
		httpClient: httpClient,
		credsPath:  credsPath,
		logger:     logger,
		creds:      creds,
		meta:       meta,
	}, nil
}

// Token returns the current access token. Implements TokenSource. If the
// token has expired it refreshes eagerly before returning, so most requests
// never see a 401 at all.
func (a *Authenticator) Token() (string, error) {
	a.mu.Lock()
	valid := a.creds.Valid()
	tok := a.creds.AccessToken
	a.mu.Unlock()

	if valid {
		return tok, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := a.AttemptRefresh(ctx); err != nil {
		return "", fmt.Errorf("api: obtaining token: %w", err)
	}

	a.mu.Lock()
	tok = a.creds.AccessToken
	a.mu.Unlock()

	return tok, nil
}

// AttemptRefresh exchanges the refresh token for a fresh credential pair and
// persists it. Used by the upload queue to recover exactly once from an
// authentication failure mid-transfer. The mutex serializes concurrent
// refreshes — the loser of the race reuses the winner's fresh pair instead
// of burning a second refresh token.
func (a *Authenticator) AttemptRefresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if a.creds.Valid() {
		return nil
	}

	a.logger.Info("refreshing credentials")

	tr, err := postAuth(ctx, a.httpClient, a.baseURL+"/v1/auth/refresh", refreshRequest{
		RefreshToken: a.creds.RefreshToken,
	})
	if err != nil {
		a.logger.Warn("credential refresh failed", slog.String("error", err.Error()))

		return fmt.Errorf("api: refreshing credentials: %w", err)
	}

	a.creds = tr.toCredentials()

	// Persist with the cached metadata so a refresh does not wipe the
	// workspace and email recorded at login.
	if saveErr := tokenfile.Save(a.credsPath, a.creds, a.meta); saveErr != nil {
		// The in-memory pair is still usable; persistence failure only
		// affects the next process.
		a.logger.Warn("failed to persist refreshed credentials",
			slog.String("path", a.credsPath),
			slog.String("error", saveErr.Error()),
		)
	}

	a.logger.Info("credentials refreshed",
		slog.Time("new_expiry", a.creds.Expiry),
	)

	return nil
}

// Invalidate marks the current access token as expired so the next Token()
// call forces a refresh. Called by the queue after a transfer-level 401 —
// the transfer endpoint rejected a token the client still believed valid.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.creds.Expiry = time.Now().Add(-time.Second)
}

// postAuth posts a JSON body to an auth endpoint and decodes the token
// response. Auth endpoints are unauthenticated, so this bypasses Client.Do.
func postAuth(ctx context.Context, httpClient *http.Client, url string, body any) (*tokenResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating auth request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("x-request-id"),
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var tr tokenResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&tr); decErr != nil {
		return nil, fmt.Errorf("decoding auth response: %w", decErr)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("auth response missing access token")
	}

	return &tr, nil
}

// toCredentials converts a wire token response into stored credentials.
func (tr *tokenResponse) toCredentials() *tokenfile.Credentials {
	creds := &tokenfile.Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}

	if tr.ExpiresIn > 0 {
		creds.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return creds
}
