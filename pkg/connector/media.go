// matrix-connector - A Matrix event connector for conversational agent runtimes.
// Copyright (C) 2026 The matrix-connector authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/altagents/matrix-connector/pkg/runtime"
)

const (
	mediaFetchTimeout = 30 * time.Second
	mediaSizeLimit    = 50 * 1024 * 1024
)

// ContentURLResolver translates an opaque mxc content locator into a
// directly fetchable HTTP(S) URL. An empty return value means the locator
// is not resolvable and no download will be attempted.
type ContentURLResolver interface {
	ResolveContentURL(uri id.ContentURIString) string
}

type MediaFetcher struct {
	resolver ContentURLResolver
	http     *http.Client
}

func NewMediaFetcher(resolver ContentURLResolver) *MediaFetcher {
	return &MediaFetcher{
		resolver: resolver,
		http:     &http.Client{},
	}
}

// Fetch downloads the media behind uri and returns it inlined as a base64
// data URI. The download is bounded by mediaFetchTimeout and
// mediaSizeLimit. Failures are classified into the package error values so
// that callers can word their user-visible warnings per failure class.
func (mf *MediaFetcher) Fetch(ctx context.Context, uri id.ContentURIString, mime, fileName string) (*runtime.MediaAttachment, error) {
	url := mf.resolver.ResolveContentURL(uri)
	if url == "" {
		return nil, ErrUnresolvableLocator
	}
	ctx, cancel := context.WithTimeout(ctx, mediaFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare download request: %w", err)
	}
	resp, err := mf.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrFetchTimeout
		}
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamStatusError(resp.StatusCode)
	}
	if resp.ContentLength > mediaSizeLimit {
		return nil, ErrMediaTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaSizeLimit+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrFetchTimeout
		}
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	if len(data) > mediaSizeLimit {
		return nil, ErrMediaTooLarge
	}
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	zerolog.Ctx(ctx).Debug().
		Str("mxc_uri", string(uri)).
		Str("mime_type", mime).
		Int("size", len(data)).
		Msg("Downloaded media")
	return &runtime.MediaAttachment{
		ID:          uuid.NewString(),
		DataURI:     fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
		Title:       fileName,
		Source:      uri,
		Description: fmt.Sprintf("Media attachment: %s", fileName),
		Type:        classifyAttachment(mime),
	}, nil
}

func classifyAttachment(mime string) runtime.AttachmentType {
	switch strings.Split(mime, "/")[0] {
	case "image":
		return runtime.AttachmentImage
	case "video":
		return runtime.AttachmentVideo
	case "audio":
		return runtime.AttachmentAudio
	default:
		return runtime.AttachmentDocument
	}
}
