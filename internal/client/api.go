package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"motion/internal/constants"
	"motion/internal/protocol"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Body   protocol.ErrorResponse
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned status %d: %s", e.Status, e.Body.Error)
	if e.Body.Kind != "" {
		msg += " (" + e.Body.Kind + ")"
	}
	return msg
}

type API struct {
	BaseURL       string
	SkipTLSVerify bool
	http          *http.Client
}

// NewAPI trims the server URL and skips certificate checks for local HTTPS.
func NewAPI(serverURL string) *API {
	serverURL = strings.TrimSuffix(serverURL, "/")
	skip := isLocalHTTPS(serverURL)

	hc := &http.Client{Timeout: constants.ClientRequestTimeout}
	if skip {
		hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &API{BaseURL: serverURL, SkipTLSVerify: skip, http: hc}
}

func isLocalHTTPS(serverURL string) bool {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme != "https" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// TrackURL is the relay socket URL, with the token in the query when given.
func (a *API) TrackURL(token string) string {
	u := a.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	u += constants.EndpointTrack
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (a *API) IssueSession(ctx context.Context) (string, error) {
	var resp protocol.SessionResponse
	if err := a.do(ctx, http.MethodPost, constants.EndpointSession, "application/json", nil, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Upload posts an archive for projectID.
func (a *API) Upload(ctx context.Context, projectID, archivePath string) (*protocol.UploadResponse, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(constants.UploadFormField, filepath.Base(archivePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var resp protocol.UploadResponse
	path := projectPath(constants.EndpointArchive, projectID)
	if err := a.do(ctx, http.MethodPost, path, mw.FormDataContentType(), pr, &resp); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &resp, nil
}

func (a *API) Manifest(ctx context.Context, projectID string) (*protocol.ManifestResponse, error) {
	var resp protocol.ManifestResponse
	if err := a.do(ctx, http.MethodGet, projectPath(constants.EndpointManifest, projectID), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func projectPath(pattern, projectID string) string {
	return strings.Replace(pattern, "{project}", url.PathEscape(projectID), 1)
}

func (a *API) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
