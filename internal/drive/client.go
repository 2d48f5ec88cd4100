package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
)

const defaultAPIBaseURL = "https://graph.microsoft.com/v1.0/me/drive"

// ClientConfig configures the Graph drive client.
type ClientConfig struct {
	TokenSource TokenSource
	// APIBaseURL is the drive API root. Overridable for testing.
	APIBaseURL string
	HTTPClient *http.Client
	Logger     log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.TokenSource == nil {
		return fmt.Errorf("token source is required")
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "drive.Client"})
	return nil
}

// Client implements Store over the Graph-style drive REST API.
type Client struct {
	tokens     TokenSource
	apiBaseURL string
	httpClient *http.Client
	logger     log.Logger
}

// NewClient creates a new drive client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		tokens:     cfg.TokenSource,
		apiBaseURL: cfg.APIBaseURL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Wire types for the drive item JSON.
type wireItem struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Size            int64           `json:"size"`
	Folder          *struct{}       `json:"folder,omitempty"`
	ParentReference *wireItemParent `json:"parentReference,omitempty"`
}

type wireItemParent struct {
	ID string `json:"id"`
}

func (w *wireItem) toItem() Item {
	item := Item{
		ID:       w.ID,
		Name:     w.Name,
		Size:     w.Size,
		IsFolder: w.Folder != nil,
	}
	if w.ParentReference != nil {
		item.ParentID = w.ParentReference.ID
	}
	return item
}

func (c *Client) authedRequest(ctx context.Context, refreshToken, method, url string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.Exchange(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("could not get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return req, nil
}

// GetItem returns the metadata of a single drive item.
func (c *Client) GetItem(ctx context.Context, refreshToken, itemID string) (*Item, error) {
	req, err := c.authedRequest(ctx, refreshToken, http.MethodGet, fmt.Sprintf("%s/items/%s", c.apiBaseURL, itemID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("item %s: %w", itemID, model.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, StatusError{Code: resp.StatusCode, Op: "get item"}
	}

	var w wireItem
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("could not decode item %s: %w", itemID, err)
	}

	item := w.toItem()
	return &item, nil
}

// ListChildren returns the direct children of a folder item.
func (c *Client) ListChildren(ctx context.Context, refreshToken, itemID string) ([]Item, error) {
	req, err := c.authedRequest(ctx, refreshToken, http.MethodGet, fmt.Sprintf("%s/items/%s/children", c.apiBaseURL, itemID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", itemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, StatusError{Code: resp.StatusCode, Op: "list children"}
	}

	var body struct {
		Value []wireItem `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("could not decode children of %s: %w", itemID, err)
	}

	items := make([]Item, 0, len(body.Value))
	for i := range body.Value {
		items = append(items, body.Value[i].toItem())
	}

	return items, nil
}

// GetContent opens the content stream of an item. The caller owns the reader.
func (c *Client) GetContent(ctx context.Context, refreshToken, itemID string) (io.ReadCloser, int64, error) {
	req, err := c.authedRequest(ctx, refreshToken, http.MethodGet, fmt.Sprintf("%s/items/%s/content", c.apiBaseURL, itemID), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get content of %s: %w", itemID, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, StatusError{Code: resp.StatusCode, Op: "get content"}
	}

	length := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
			length = parsed
		}
	}

	return resp.Body, length, nil
}

// CreateUploadSession starts a resumable upload for name under parentID and
// returns the session URL. Existing remote files are replaced.
func (c *Client) CreateUploadSession(ctx context.Context, refreshToken, parentID, name string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"item": map[string]string{"@microsoft.graph.conflictBehavior": "replace"},
	})
	if err != nil {
		return "", fmt.Errorf("could not marshal upload session request: %w", err)
	}

	url := fmt.Sprintf("%s/items/%s:/%s:/createUploadSession", c.apiBaseURL, parentID, name)
	req, err := c.authedRequest(ctx, refreshToken, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create upload session for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", StatusError{Code: resp.StatusCode, Op: "create upload session"}
	}

	var body struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("could not decode upload session response: %w", err)
	}
	if body.UploadURL == "" {
		return "", fmt.Errorf("upload session response has no upload URL")
	}

	return body.UploadURL, nil
}

// UploadRange sends one contiguous byte range to an upload session URL. The
// session URL is pre-authorized, no bearer token is attached.
func (c *Client) UploadRange(ctx context.Context, uploadURL string, data []byte, offset, totalSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not create range request: %w", err)
	}
	end := offset + int64(len(data)) - 1
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, totalSize))
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload range %d-%d: %w", offset, end, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		return StatusError{Code: resp.StatusCode, Op: "upload range"}
	}
}
