package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cinephile/accountsync/internal/domain"
	apperrors "github.com/cinephile/accountsync/pkg/errors"
	"github.com/cinephile/accountsync/pkg/httpclient"
)

// HTTPDoer is the outbound HTTP surface the client needs. Both the retrying
// client and its circuit-breaker wrapper satisfy it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client talks to the document store's REST surface. Profile documents live
// in the users collection, keyed by account UID.
type Client struct {
	http      HTTPDoer
	codec     *Codec
	baseURL   string
	projectID string
	logger    *slog.Logger

	provision singleflight.Group
	now       func() time.Time
}

// NewClient creates a document store client.
func NewClient(httpDoer HTTPDoer, codec *Codec, baseURL, projectID string, logger *slog.Logger) *Client {
	return &Client{
		http:      httpDoer,
		codec:     codec,
		baseURL:   baseURL,
		projectID: projectID,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Client) collectionURL() string {
	return fmt.Sprintf("%s/projects/%s/databases/(default)/documents/users", c.baseURL, c.projectID)
}

func (c *Client) documentURL(uid string) string {
	return c.collectionURL() + "/" + url.PathEscape(uid)
}

// wireDocument is the store's document envelope.
type wireDocument struct {
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields"`
}

// FetchProfile reads the profile document for the given account.
// Returns a NOT_FOUND error when no document exists yet.
func (c *Client) FetchProfile(ctx context.Context, uid, idToken string) (domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(uid), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create profile GET request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, apperrors.Network(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, apperrors.NotFound("profile", uid)
	case resp.StatusCode != http.StatusOK:
		return nil, httpclient.ParseResponseError(resp, "docstore")
	}

	return c.decodeDocument(resp)
}

// CreateProfile creates the profile document with the account UID as its
// document ID and returns the store's representation of it. The store
// rejects the write if the document already exists.
func (c *Client) CreateProfile(ctx context.Context, uid, idToken string, profile domain.Profile) (domain.Profile, error) {
	body, err := json.Marshal(wireDocument{Fields: c.codec.EncodeFields(profile)})
	if err != nil {
		return nil, fmt.Errorf("marshal profile document: %w", err)
	}

	u := c.collectionURL() + "?documentId=" + url.QueryEscape(uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create profile POST request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, apperrors.Network(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "docstore")
	}

	created, err := c.decodeDocument(resp)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "profile document created", slog.String("uid", uid))
	return created, nil
}

// PatchProfile updates exactly the given top-level fields, leaving every
// other field untouched, and returns the store's post-update document.
// The update mask names each field once.
func (c *Client) PatchProfile(ctx context.Context, uid, idToken string, fields map[string]any) (domain.Profile, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(wireDocument{Fields: c.codec.EncodeFields(fields)})
	if err != nil {
		return nil, fmt.Errorf("marshal profile patch: %w", err)
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	query := url.Values{"updateMask.fieldPaths": names}
	u := c.documentURL(uid) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create profile PATCH request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, apperrors.Network(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "docstore")
	}

	updated, err := c.decodeDocument(resp)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "profile document patched",
		slog.String("uid", uid),
		slog.Any("fields", names),
	)
	return updated, nil
}

// EnsureProfile fetches the profile for the account, creating the default
// document on first sign-in. Concurrent calls for the same UID are collapsed
// into a single check-and-create so the race between check and create cannot
// produce duplicate writes from this process.
func (c *Client) EnsureProfile(ctx context.Context, uid, email, displayName, idToken string) (domain.Profile, bool, error) {
	type ensured struct {
		profile domain.Profile
		created bool
	}

	v, err, _ := c.provision.Do(uid, func() (any, error) {
		profile, err := c.FetchProfile(ctx, uid, idToken)
		if err == nil {
			return ensured{profile: profile}, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}

		fresh := domain.NewDefaultProfile(email, displayName, c.now())
		created, err := c.CreateProfile(ctx, uid, idToken, fresh)
		if err != nil {
			// Another client won the create race; their document is canonical.
			if apperrors.RemoteCode(err) == "ALREADY_EXISTS" {
				profile, err := c.FetchProfile(ctx, uid, idToken)
				if err != nil {
					return nil, err
				}
				return ensured{profile: profile}, nil
			}
			return nil, err
		}
		return ensured{profile: created, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	e := v.(ensured)
	return e.profile, e.created, nil
}

func (c *Client) decodeDocument(resp *http.Response) (domain.Profile, error) {
	defer func() { _ = resp.Body.Close() }()

	var doc wireDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, apperrors.Protocol(fmt.Sprintf("malformed document body: %v", err))
	}
	if doc.Fields == nil {
		return domain.Profile{}, nil
	}
	return domain.Profile(c.codec.DecodeFields(doc.Fields)), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
