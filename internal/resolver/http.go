package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/account"
	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/logger"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 * 1024
)

var errNoRefresh = errors.New("resolver cannot refresh sessions")

// HTTPResolver calls an out-of-process resolver over JSON. The hosting
// service's login and link APIs live behind it.
type HTTPResolver struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPResolver creates a client for the resolver at endpoint. token, when
// set, is sent as a bearer token.
func NewHTTPResolver(endpoint, token string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type accountPayload struct {
	ID           string `json:"id"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Cookie       string `json:"cookie,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type resolveRequest struct {
	ShareURL string         `json:"shareUrl"`
	Account  accountPayload `json:"account"`
}

type sessionResponse struct {
	SessionToken string `json:"sessionToken"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func payloadOf(a *account.Account) accountPayload {
	if a == nil {
		return accountPayload{}
	}

	return accountPayload{
		ID:           a.ID,
		Username:     a.Credentials.Username,
		Password:     a.Credentials.Password,
		Cookie:       a.Credentials.Cookie,
		SessionToken: a.SessionToken,
	}
}

// Resolve asks the resolver for a direct link.
func (r *HTTPResolver) Resolve(ctx context.Context, shareURL string, acct *account.Account) (Result, error) {
	var res Result

	err := r.post(ctx, "/resolve", shareURL, resolveRequest{ShareURL: shareURL, Account: payloadOf(acct)}, &res)
	if err != nil {
		return Result{}, err
	}

	if res.DirectURL == "" {
		return Result{}, dlErrors.NewUnrecoverableError(errors.New("resolver returned no direct url"), shareURL)
	}

	if res.SizeBytes == 0 {
		res.SizeBytes = -1
	}

	logger.Debugf("Resolved %s to %s (%d bytes)", shareURL, res.DirectURL, res.SizeBytes)

	return res, nil
}

// RefreshSession asks the resolver to log the account in again.
func (r *HTTPResolver) RefreshSession(ctx context.Context, acct *account.Account) (string, error) {
	var res sessionResponse

	resource := "session"
	if acct != nil {
		resource = "session:" + acct.ID
	}

	if err := r.post(ctx, "/session", resource, resolveRequest{Account: payloadOf(acct)}, &res); err != nil {
		return "", err
	}

	if res.SessionToken == "" {
		return "", dlErrors.NewAuthError(errors.New("resolver returned an empty session"), resource)
	}

	return res.SessionToken, nil
}

func (r *HTTPResolver) post(ctx context.Context, path, resource string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return dlErrors.NewUnrecoverableError(fmt.Errorf("failed to encode request: %w", err), resource)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return dlErrors.NewUnrecoverableError(fmt.Errorf("failed to create request: %w", err), resource)
	}

	req.Header.Set("Content-Type", "application/json")

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return dlErrors.NewCancelledError(err, resource)
		}

		return dlErrors.NewTransientError(fmt.Errorf("resolver unreachable: %w", err), resource)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp, resource)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dlErrors.NewTransientError(fmt.Errorf("failed to decode resolver response: %w", err), resource)
	}

	return nil
}

// classifyStatus maps resolver answers onto the error taxonomy.
func classifyStatus(resp *http.Response, resource string) error {
	msg := readMessage(resp.Body)

	var de *dlErrors.DownloadError

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		de = dlErrors.NewAuthError(wrapMsg(dlErrors.ErrAuthFailure, msg), resource)
	case resp.StatusCode == http.StatusPaymentRequired, resp.StatusCode == http.StatusTooManyRequests:
		de = dlErrors.NewQuotaError(wrapMsg(dlErrors.ErrQuotaExceeded, msg), resource)
	case resp.StatusCode == http.StatusNotFound:
		de = dlErrors.NewNotFoundError(wrapMsg(dlErrors.ErrNotFound, msg), resource)
	case resp.StatusCode == http.StatusGone:
		de = dlErrors.NewLinkExpiredError(wrapMsg(dlErrors.ErrLinkExpired, msg), resource)
	case resp.StatusCode >= http.StatusInternalServerError:
		de = dlErrors.NewTransientError(fmt.Errorf("resolver error: %s", msg), resource)
	default:
		de = dlErrors.NewUnrecoverableError(fmt.Errorf("unexpected resolver status: %s", msg), resource)
	}

	return de.WithStatus(resp.StatusCode)
}

func readMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return er.Error
	}

	return strings.TrimSpace(string(raw))
}

func wrapMsg(sentinel error, msg string) error {
	if msg == "" {
		return sentinel
	}

	return fmt.Errorf("%w: %s", sentinel, msg)
}
