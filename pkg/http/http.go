package http

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "sharebridge/1.0"

	defaultDownloadName = "download"
)

type Client struct {
	*http.Client
}

// NewClient creates a new HTTP client with custom transport settings. Response
// bodies are streamed, so there is no overall request timeout; the header
// timeout bounds a stalled server and the caller bounds idle reads.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		&http.Client{
			Transport: transport,
		},
	}
}

// Head performs a HEAD request to the specified URL with optional headers.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	req, err := generateRequest(ctx, urlStr, http.MethodHead, headers)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Sending HEAD request to %s", urlStr)

	resp, err := c.Do(req)
	if err != nil {
		logger.Errorf("HEAD request failed for %s: %v", urlStr, err)
		return nil, ClassifyError(err)
	}

	resp.Body.Close()

	logger.Debugf("HEAD response for %s: status=%d", urlStr, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode)
	}

	return resp, nil
}

// Range performs a ranged GET for bytes start..end inclusive; a negative end
// asks for everything from start. A 200 answer is accepted only at offset 0,
// where the caller limits how much of the body it reads.
func (c *Client) Range(ctx context.Context, urlStr string, start, end int64, headers map[string]string) (*http.Response, error) {
	req, err := generateRequest(ctx, urlStr, http.MethodGet, headers)
	if err != nil {
		return nil, err
	}

	rangeVal := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		rangeVal = fmt.Sprintf("bytes=%d-%d", start, end)
	}

	req.Header.Set("Range", rangeVal)
	logger.Debugf("Sending Range GET request to %s (%s)", urlStr, rangeVal)

	resp, err := c.Do(req)
	if err != nil {
		logger.Debugf("Range GET request failed for %s: %v", urlStr, err)
		return nil, ClassifyError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		logger.Warnf("Range GET request returned error status %d for %s", resp.StatusCode, urlStr)

		return nil, statusError(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if got, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && got != start {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Err: ErrInvalidContentRange}
		}
	case http.StatusOK:
		if start > 0 {
			resp.Body.Close()
			logger.Warnf("Server ignored range %s for %s", rangeVal, urlStr)

			return nil, &StatusError{Code: resp.StatusCode, Err: ErrRangeIgnored}
		}
	default:
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Err: ErrUnknown}
	}

	return resp, nil
}

// Get performs a GET request to the specified URL.
func (c *Client) Get(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := generateRequest(ctx, urlStr, http.MethodGet, headers)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Sending GET request to %s", urlStr)

	resp, err := c.Do(req)
	if err != nil {
		logger.Debugf("GET request failed for %s: %v", urlStr, err)
		return nil, ClassifyError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		logger.Warnf("GET request returned error status %d for %s", resp.StatusCode, urlStr)

		return nil, statusError(resp.StatusCode)
	}

	return resp, nil
}

// ProbeResult is what a server reveals about a file without sending it.
type ProbeResult struct {
	Size           int64
	SupportsRanges bool
	Filename       string
}

// Probe learns size, range support and filename. It tries HEAD first and
// falls back to a one-byte range request.
func (c *Client) Probe(ctx context.Context, urlStr string, headers map[string]string) (ProbeResult, error) {
	resp, err := c.Head(ctx, urlStr, headers)
	if err == nil && resp.ContentLength >= 0 && resp.Header.Get("Accept-Ranges") == "bytes" {
		return ProbeResult{
			Size:           resp.ContentLength,
			SupportsRanges: true,
			Filename:       GetFilename(resp),
		}, nil
	}

	if err != nil && !IsFallbackError(err) {
		logger.Debugf("HEAD probe failed for %s, trying range request: %v", urlStr, err)
	}

	resp, err = c.Range(ctx, urlStr, 0, 0, headers)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	res := ProbeResult{Size: -1, Filename: GetFilename(resp)}

	if resp.StatusCode == http.StatusPartialContent {
		res.SupportsRanges = true
		if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			res.Size = total
		}
	} else if resp.ContentLength >= 0 {
		res.Size = resp.ContentLength
	}

	return res, nil
}

// generateRequest creates a new HTTP request with the specified method and URL.
func generateRequest(ctx context.Context, urlStr, method string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		logger.Errorf("Failed to create %s request for %s: %v", method, urlStr, err)
		return nil, ErrRequestCreation
	}

	req.Header.Set("User-Agent", DefaultUserAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// GetFilename tries extracts the filename from the Content-Disposition header or the URL.
func GetFilename(resp *http.Response) string {
	fileName, ok := getFileNameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if ok {
		return fileName
	}

	if resp.Request == nil || resp.Request.URL == nil {
		return defaultDownloadName
	}

	u := resp.Request.URL
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		return base
	}

	return defaultDownloadName
}

func getFileNameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if fName, ok := params["filename"]; ok {
			return fName, true
		}

		if fName, ok := params["filename*"]; ok {
			return fName, true
		}
	}

	return "", false
}

// contentRangeStart parses the first offset of "bytes a-b/total".
func contentRangeStart(header string) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}

	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// contentRangeTotal parses the total of "bytes a-b/total".
func contentRangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// DrainAndClose discards what is left of a body so the connection can be
// reused.
func DrainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))

	if err := body.Close(); err != nil {
		logger.Debugf("Failed to close response body: %v", err)
	}
}
