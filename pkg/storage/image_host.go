package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultImageURLExpiry = 7 * 24 * time.Hour
	maxImageBytes         = 20 << 20
)

// ImageHost copies vendor-hosted images into our bucket so the link handed
// to the messaging transport outlives the vendor's temporary URL.
type ImageHost struct {
	store      ObjectStore
	httpClient *http.Client
	expiry     time.Duration
}

func NewImageHost(store ObjectStore, expiry time.Duration) *ImageHost {
	if expiry <= 0 {
		expiry = DefaultImageURLExpiry
	}
	return &ImageHost{
		store:      store,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		expiry:     expiry,
	}
}

// Rehost downloads sourceURL, stores it at images/<conversation>/<id>.png and
// returns a presigned GET URL.
func (h *ImageHost) Rehost(ctx context.Context, sourceURL, conversationID, id string) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", errors.New("image source url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download image: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	key := fmt.Sprintf("images/%s/%s.png", conversationID, id)
	if err := h.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return h.store.PresignGet(ctx, key, h.expiry)
}
