package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxImageBytes bounds a single decoded or re-fetched image.
const DefaultMaxImageBytes = 20 << 20

var errUnsupportedSource = errors.New("unsupported image source")

type image struct {
	data        []byte
	contentType string
}

func (img image) extension() string {
	switch img.contentType {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// decodeDataURL parses data:<type>[;base64],<payload>.
func decodeDataURL(src string, limit int64) (image, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return image{}, fmt.Errorf("malformed data url")
	}
	contentType := "image/png"
	isBase64 := false
	for i, part := range strings.Split(header, ";") {
		switch {
		case i == 0 && part != "":
			contentType = strings.ToLower(part)
		case part == "base64":
			isBase64 = true
		}
	}
	if !isBase64 {
		return image{}, fmt.Errorf("data url is not base64 encoded")
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > limit {
		return image{}, fmt.Errorf("image exceeds %d bytes", limit)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return image{}, fmt.Errorf("decode data url: %w", err)
	}
	if len(data) == 0 {
		return image{}, fmt.Errorf("empty image")
	}
	return image{data: data, contentType: contentType}, nil
}

func fetchImage(ctx context.Context, client *http.Client, src string, limit int64) (image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return image{}, fmt.Errorf("build image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return image{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return image{}, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return image{}, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > limit {
		return image{}, fmt.Errorf("image exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return image{}, fmt.Errorf("empty image")
	}
	contentType := "image/png"
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mt, "image/") {
		contentType = mt
	}
	return image{data: data, contentType: contentType}, nil
}

func loadImage(ctx context.Context, client *http.Client, src string, limit int64) (image, error) {
	switch {
	case strings.HasPrefix(src, "data:"):
		return decodeDataURL(src, limit)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return fetchImage(ctx, client, src, limit)
	default:
		return image{}, errUnsupportedSource
	}
}
