// SPDX-License-Identifier: MIT

package videoprobe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-audio/skald/internal/fault"
)

func TestParseRecognisesSupportedHosts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		url      string
		platform Platform
		id       string
	}{
		{"youtube watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube mobile", "https://m.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtu.be short link", "https://youtu.be/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"bilibili bv", "https://www.bilibili.com/video/BV1GJ411x7h7", PlatformBilibili, "BV1GJ411x7h7"},
		{"bilibili av", "https://bilibili.com/video/av170001/", PlatformBilibili, "av170001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Parse(tc.url)
			require.NoError(t, err)
			want := &Video{Platform: tc.platform, ID: tc.id, URL: tc.url}
			if diff := cmp.Diff(want, v); diff != "" {
				t.Errorf("parsed video mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsUnknownOrMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"not a url",
		"ftp://youtube.com/watch?v=abc123xyz",
		"https://vimeo.com/12345",
		"https://www.youtube.com/playlist?list=PL123",
		"https://www.youtube.com/watch?v=!!",
		"https://www.bilibili.com/festival/2026",
	} {
		_, err := Parse(raw)
		require.Error(t, err, raw)
		assert.Equal(t, fault.CodeInvalidURLFormat, fault.CodeOf(err), raw)
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	t.Parallel()

	v, err := Parse("https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("youtube:dQw4w9WgXcQ"))
	assert.Equal(t, hex.EncodeToString(sum[:]), v.Fingerprint())

	// Same video through a different URL form hashes identically.
	v2, err := Parse("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, v.Fingerprint(), v2.Fingerprint())
}

func TestProbeClassifiesResponses(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewProber(srv.Client())
	ctx := context.Background()

	require.NoError(t, p.Probe(ctx, &Video{URL: srv.URL + "/ok"}))

	err := p.Probe(ctx, &Video{URL: srv.URL + "/gone"})
	assert.Equal(t, fault.CodeVideoUnavailable, fault.CodeOf(err))

	// HEAD rejected, GET accepted.
	require.NoError(t, p.Probe(ctx, &Video{URL: srv.URL + "/flaky"}))

	err = p.Probe(ctx, &Video{URL: srv.URL + "/boom"})
	assert.Equal(t, fault.CodeVideoProbeFailed, fault.CodeOf(err))
}
