package deliver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
)

const maxPromptLength = 200

var markupTagPattern = regexp.MustCompile(`<[^>]+>`)

// SanitizePrompt strips chat-protocol context blocks and markup from a
// raw prompt and caps its length so the render URL stays short and stable.
func SanitizePrompt(raw string) string {
	p := raw
	if i := strings.Index(p, "[Additional Context]"); i >= 0 {
		p = p[:i]
	}
	if i := strings.Index(p, "<knowledge_graph>"); i >= 0 {
		p = p[:i]
	}
	p = markupTagPattern.ReplaceAllString(p, " ")
	p = strings.Join(strings.Fields(p), " ")
	if len(p) > maxPromptLength {
		// Trim on a rune boundary so multi-byte characters are never
		// split into an invalid tail.
		cut := maxPromptLength
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		p = p[:cut]
	}
	if p == "" {
		return "an image"
	}
	return p
}

// ImageConfig configures the image executor.
type ImageConfig struct {
	// RenderBaseURL is the prompt-to-image endpoint; the sanitized prompt
	// is appended URL-escaped.
	RenderBaseURL string
	// Width and Height are passed to the renderer. Zero means 512.
	Width, Height int
	// Storage uploads the rendered bytes; required, the chat transport
	// never carries binary payloads inline.
	Storage *StorageClient
	// Timeout bounds the render call. Zero means 90s.
	Timeout time.Duration
}

// ImageExecutor renders one image per paid work order and parks it in
// external object storage, returning the asset URI.
type ImageExecutor struct {
	cfg    ImageConfig
	client *http.Client
	log    *logrus.Entry
}

// NewImageExecutor creates an image executor.
func NewImageExecutor(cfg ImageConfig, log *logrus.Entry) *ImageExecutor {
	if cfg.Width == 0 {
		cfg.Width = 512
	}
	if cfg.Height == 0 {
		cfg.Height = 512
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &ImageExecutor{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.WithField("executor", "image"),
	}
}

// Deliver implements Executor.
func (e *ImageExecutor) Deliver(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error) {
	prompt := SanitizePrompt(order.Payload)
	renderURL := fmt.Sprintf("%s/prompt/%s?width=%d&height=%d",
		strings.TrimSuffix(e.cfg.RenderBaseURL, "/"), url.PathEscape(prompt), e.cfg.Width, e.cfg.Height)

	e.log.WithFields(logrus.Fields{"session": sessionID, "prompt": prompt}).Info("rendering image")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, renderURL, nil)
	if err != nil {
		return failure("image request could not be built"), err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return failure("image generation failed, please resend your prompt"), err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(contentType, "image/") {
		return failure("image generation failed, please resend your prompt"),
			fmt.Errorf("renderer returned status %d content-type %q", resp.StatusCode, contentType)
	}
	imageBytes, err := io.ReadAll(resp.Body)
	if err != nil || len(imageBytes) == 0 {
		return failure("image generation failed, please resend your prompt"), err
	}

	assetID, err := e.cfg.Storage.CreateAsset(ctx, sessionID, imageBytes, contentType)
	if err != nil {
		return failure("image storage failed, please resend your prompt"), err
	}
	if err := e.cfg.Storage.GrantAccess(ctx, assetID, sender); err != nil {
		return failure("image storage failed, please resend your prompt"), err
	}

	return paygate.DeliveryResult{
		Success:  true,
		AssetURI: e.cfg.Storage.AssetURI(assetID),
		MimeType: contentType,
	}, nil
}

func failure(reason string) paygate.DeliveryResult {
	return paygate.DeliveryResult{Success: false, Err: reason}
}

var _ Executor = (*ImageExecutor)(nil)

// StorageClient talks to the external object storage API that parks
// binary assets referenced from chat replies.
type StorageClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStorageClient creates a storage client for the given API base URL.
func NewStorageClient(baseURL, apiKey string) *StorageClient {
	return &StorageClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type createAssetRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Contents string `json:"contents"`
}

type createAssetResponse struct {
	AssetID string `json:"asset_id"`
}

// CreateAsset uploads the bytes and returns the new asset id.
func (s *StorageClient) CreateAsset(ctx context.Context, name string, contents []byte, mimeType string) (string, error) {
	body, err := json.Marshal(createAssetRequest{
		Name:     name,
		MimeType: mimeType,
		Contents: base64.StdEncoding.EncodeToString(contents),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/storage/assets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create asset: storage returned status %d", resp.StatusCode)
	}

	var decoded createAssetResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("create asset: %w", err)
	}
	if decoded.AssetID == "" {
		return "", fmt.Errorf("create asset: storage returned no asset id")
	}
	return decoded.AssetID, nil
}

// GrantAccess allows the recipient to fetch the asset.
func (s *StorageClient) GrantAccess(ctx context.Context, assetID, agentAddress string) error {
	body, err := json.Marshal(map[string]string{"agent_address": agentAddress})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/v1/storage/assets/%s/permissions", s.baseURL, assetID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("grant access: storage returned status %d", resp.StatusCode)
	}
	return nil
}

// AssetURI renders the asset reference embedded in chat replies.
func (s *StorageClient) AssetURI(assetID string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(s.baseURL, "https://"), "http://")
	return fmt.Sprintf("agent-storage://%s/%s", host, assetID)
}
