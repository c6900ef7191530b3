// Package httpremote is a remote adapter for a REST JSON service that
// exposes one collection per entity kind.
//
//	GET    {base}/{kind}s          list records
//	POST   {base}/{kind}s          create, returns the record with its ref
//	PUT    {base}/{kind}s/{ref}    replace
//	DELETE {base}/{kind}s/{ref}    delete
//
// Requests are authorized with an OAuth2 bearer token that is refreshed
// automatically when a refresh token and token URL are configured.
package httpremote

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
	"time"

	"golang.org/x/oauth2"

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/remote"
)

// Credentials is the opaque credentials handle from the config file.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
	AccessToken  string
}

// Config configures a Remote.
type Config struct {
	Name        string
	BaseURL     string
	Surface     entity.Surface
	Kinds       []entity.Kind
	Credentials Credentials
	// HTTP is the base client used for API and token requests.
	HTTP *http.Client
}

// Remote is a remote.Adapter speaking REST JSON.
type Remote struct {
	name    string
	base    string
	surface entity.Surface
	kinds   []entity.Kind
	client  *http.Client
}

type wireRecord struct {
	Ref       string          `json:"ref"`
	EntityID  string          `json:"entity_id,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Fields    json.RawMessage `json:"fields"`
}

type wireWrite struct {
	EntityID string          `json:"entity_id,omitempty"`
	Fields   json.RawMessage `json:"fields"`
}

// New builds the adapter and its token source.
func New(cfg Config) (*Remote, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpremote: base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpremote: base url: %w", err)
	}
	r := &Remote{
		name:    cfg.Name,
		base:    base,
		surface: cfg.Surface,
		kinds:   cfg.Kinds,
		client:  authClient(cfg.HTTP, cfg.Credentials),
	}
	if r.surface == "" {
		r.surface = entity.SurfacePrimary
	}
	if len(r.kinds) == 0 {
		r.kinds = entity.Kinds
	}
	return r, nil
}

func authClient(base *http.Client, c Credentials) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	var ts oauth2.TokenSource
	switch {
	case c.TokenURL != "" && c.RefreshToken != "":
		conf := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts = conf.TokenSource(ctx, &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken})
	case c.AccessToken != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
	default:
		return base
	}
	return &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
	}
}

var _ remote.Adapter = (*Remote)(nil)

func (r *Remote) Name() string            { return r.name }
func (r *Remote) Surface() entity.Surface { return r.surface }
func (r *Remote) Kinds() []entity.Kind    { return r.kinds }

func (r *Remote) collection(kind entity.Kind) string {
	return r.base + "/" + string(kind) + "s"
}

// Pull lists the records of kind.
func (r *Remote) Pull(ctx context.Context, kind entity.Kind) ([]remote.Record, error) {
	var wire []wireRecord
	if _, err := r.do(ctx, http.MethodGet, r.collection(kind), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]remote.Record, 0, len(wire))
	for _, w := range wire {
		out = append(out, remote.Record{
			Ref:       w.Ref,
			EntityID:  w.EntityID,
			Kind:      kind,
			Payload:   []byte(w.Fields),
			UpdatedAt: w.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

// Push creates or replaces the record. A replace that finds the record
// gone recreates it.
func (r *Remote) Push(ctx context.Context, e entity.Entity) (string, error) {
	payload, err := entity.Encode(e)
	if err != nil {
		return "", err
	}
	body := wireWrite{EntityID: e.Base().ID, Fields: payload}

	if ref := entity.RefFor(e, r.surface); ref != "" {
		status, err := r.do(ctx, http.MethodPut, r.collection(e.Kind())+"/"+url.PathEscape(ref), body, nil)
		if err == nil {
			return ref, nil
		}
		if status != http.StatusNotFound {
			return "", err
		}
	}

	var created wireRecord
	if _, err := r.do(ctx, http.MethodPost, r.collection(e.Kind()), body, &created); err != nil {
		return "", err
	}
	if created.Ref == "" {
		return "", fmt.Errorf("httpremote %s: create %s: empty ref in response", r.name, e.Kind())
	}
	return created.Ref, nil
}

// Delete removes the record. 404 counts as success.
func (r *Remote) Delete(ctx context.Context, kind entity.Kind, ref string) error {
	status, err := r.do(ctx, http.MethodDelete, r.collection(kind)+"/"+url.PathEscape(ref), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// do sends one request and decodes a JSON response into out. It returns
// the status code when a response was received.
func (r *Remote) do(ctx context.Context, method, endpoint string, in, out any) (int, error) {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, r.classifyTransport(method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("httpremote %s: %s %s: %w: %w", r.name, method, endpoint, remote.ErrUnreachable, err)
	}
	if err := r.classifyStatus(method, endpoint, resp.StatusCode, b); err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return resp.StatusCode, fmt.Errorf("httpremote %s: %s %s: decode: %w", r.name, method, endpoint, err)
		}
	}
	return resp.StatusCode, nil
}

func (r *Remote) classifyTransport(method, endpoint string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return fmt.Errorf("httpremote %s: token refresh: %w: %w", r.name, remote.ErrAuthRequired, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("httpremote %s: %s %s: %w", r.name, method, endpoint, err)
	}
	return fmt.Errorf("httpremote %s: %s %s: %w: %w", r.name, method, endpoint, remote.ErrUnreachable, err)
}

func (r *Remote) classifyStatus(method, endpoint string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("httpremote %s: %s %s: http %d: %w", r.name, method, endpoint, status, remote.ErrAuthRequired)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("httpremote %s: %s %s: http %d: %s: %w", r.name, method, endpoint, status, msg, remote.ErrUnreachable)
	}
	return fmt.Errorf("httpremote %s: %s %s: http %d: %s", r.name, method, endpoint, status, msg)
}
