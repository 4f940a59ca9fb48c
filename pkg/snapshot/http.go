package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// HTTPSource reads a document over a REST interface shaped like the Firebase
// Realtime Database: the document at Path lives at <BaseURL>/<Path>.json,
// reads are GET and partial updates are PATCH.
//
// Example for the default sensor tree:
//
//	src := &HTTPSource{
//	    BaseURL: "https://safecyl-default-rtdb.firebaseio.com",
//	    Path:    "sensor",
//	    Auth:    os.Getenv("SOURCE_AUTH"),
//	}
type HTTPSource struct {
	// BaseURL is the database root (required).
	BaseURL string

	// Path is the slash separated location of the document. Empty means the
	// database root.
	Path string

	// Auth, when set, is sent as the auth query parameter.
	Auth string

	// Select is an optional gjson path applied to the response to pick a
	// nested object out of the document.
	Select string

	// HTTPClient is optional; if nil a client with DefaultTimeout is used.
	HTTPClient *http.Client
}

func (h *HTTPSource) Name() string { return "http" }

// DocumentURL returns the REST URL of the configured document.
func (h *HTTPSource) DocumentURL() (string, error) {
	if h.BaseURL == "" {
		return "", fmt.Errorf("http source: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(h.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("http source: parse base URL: %w", err)
	}

	path := strings.Trim(h.Path, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path + ".json"

	if h.Auth != "" {
		q := u.Query()
		q.Set("auth", h.Auth)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Read implements Source.
func (h *HTTPSource) Read(ctx context.Context) (Snapshot, error) {
	body, err := h.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	if h.Select != "" {
		res := gjson.GetBytes(body, h.Select)
		if !res.Exists() {
			return Snapshot("null"), nil
		}
		return Snapshot(res.Raw), nil
	}
	return Snapshot(bytes.TrimSpace(body)), nil
}

// Update implements Updater with a PATCH of the document.
func (h *HTTPSource) Update(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	_, err = h.do(ctx, http.MethodPatch, payload)
	return err
}

func (h *HTTPSource) do(ctx context.Context, method string, payload []byte) ([]byte, error) {
	target, err := h.DocumentURL()
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, redact(target), unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: http status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	return out, nil
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// request URL including the auth parameter.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

// redact strips the query string so credentials never reach logs.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
