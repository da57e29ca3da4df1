// SPDX-License-Identifier: MIT

// Package videoprobe recognises supported video platforms, extracts stable
// video ids, derives deterministic content fingerprints, and probes URL
// reachability within a bounded time budget.
package videoprobe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skald-audio/skald/internal/fault"
)

// Platform identifies a supported video host.
type Platform string

const (
	PlatformYouTube  Platform = "youtube"
	PlatformBilibili Platform = "bilibili"
)

const (
	// perCallTimeout bounds one outbound probe request.
	perCallTimeout = 15 * time.Second
	// totalBudget bounds the whole probe, redirects and retry included.
	totalBudget = 20 * time.Second
)

var (
	youtubeWatchRe = regexp.MustCompile(`(?i)^/watch$`)
	youtubeIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)
	bilibiliPathRe = regexp.MustCompile(`(?i)^/video/((?:BV[0-9A-Za-z]+)|(?:av\d+))/?`)
)

// Video is a recognised and parsed video reference.
type Video struct {
	Platform Platform
	ID       string
	URL      string
}

// Fingerprint derives the deterministic content hash used for task
// de-duplication: sha256 over "<platform>:<id>".
func (v Video) Fingerprint() string {
	sum := sha256.Sum256([]byte(string(v.Platform) + ":" + v.ID))
	return hex.EncodeToString(sum[:])
}

// Parse recognises a video URL and extracts its platform and id. Unknown
// hosts fail with invalid_url_format.
func Parse(raw string) (*Video, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, fault.Newf(fault.CodeInvalidURLFormat, "not an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.Newf(fault.CodeInvalidURLFormat, "unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	switch {
	case host == "youtube.com" || host == "m.youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if !youtubeWatchRe.MatchString(u.Path) {
			return nil, fault.Newf(fault.CodeInvalidURLFormat, "unsupported youtube path %q", u.Path)
		}
		id := u.Query().Get("v")
		if !youtubeIDRe.MatchString(id) {
			return nil, fault.Newf(fault.CodeInvalidURLFormat, "missing or malformed video id")
		}
		return &Video{Platform: PlatformYouTube, ID: id, URL: raw}, nil

	case host == "youtu.be":
		id := strings.Trim(u.Path, "/")
		if !youtubeIDRe.MatchString(id) {
			return nil, fault.Newf(fault.CodeInvalidURLFormat, "missing or malformed video id")
		}
		return &Video{Platform: PlatformYouTube, ID: id, URL: raw}, nil

	case host == "bilibili.com" || strings.HasSuffix(host, ".bilibili.com"):
		m := bilibiliPathRe.FindStringSubmatch(u.Path)
		if m == nil {
			return nil, fault.Newf(fault.CodeInvalidURLFormat, "unsupported bilibili path %q", u.Path)
		}
		return &Video{Platform: PlatformBilibili, ID: m[1], URL: raw}, nil
	}

	return nil, fault.Newf(fault.CodeInvalidURLFormat, "unrecognised video host %q", host)
}

// Prober checks that a recognised video URL is reachable before a task is
// accepted. Outbound calls share a rate limiter so bursts of task creation
// do not hammer the platforms.
type Prober struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewProber creates a prober. client may be nil; a default with the
// per-call timeout is used.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: perCallTimeout}
	}
	return &Prober{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Probe issues a bounded HEAD request (falling back to GET on 405) against
// the video URL. Network failures map to external_video_probe_failed,
// negative answers to external_video_unavailable.
func (p *Prober) Probe(ctx context.Context, v *Video) error {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.CodeVideoProbeFailed, err)
	}

	status, err := p.request(ctx, http.MethodHead, v.URL)
	if err != nil {
		return fault.Wrap(fault.CodeVideoProbeFailed, err)
	}
	if status == http.StatusMethodNotAllowed {
		status, err = p.request(ctx, http.MethodGet, v.URL)
		if err != nil {
			return fault.Wrap(fault.CodeVideoProbeFailed, err)
		}
	}

	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fault.Newf(fault.CodeVideoUnavailable, "video responded %d", status)
	default:
		return fault.Newf(fault.CodeVideoProbeFailed, "video responded %d", status)
	}
}

func (p *Prober) request(ctx context.Context, method, rawURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
