package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

func TestSourceURLAccepts(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://x.com/jack/status/20":                       "20",
		"https://twitter.com/some_user/status/1234567890":    "1234567890",
		"https://www.x.com/a/status/42":                      "42",
		"https://mobile.twitter.com/A_b9/status/0042":        "0042",
		"https://x.com/jack/status/20/photo/1":               "20",
		"https://x.com/jack/status/20?s=46&t=abc":            "20",
		"  https://X.com/jack/status/77  ":                   "77",
	}
	for raw, want := range cases {
		got, err := SourceURL(raw, nil)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestSourceURLRejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"::not a url",
		"http://x.com/jack/status/20",
		"ftp://x.com/jack/status/20",
		"https://example.com/jack/status/20",
		"https://evil.x.com/jack/status/20",
		"https://x.com.evil.com/jack/status/20",
		"https://x.com/jack/status",
		"https://x.com/jack",
		"https://x.com/ja-ck/status/20",
		"https://x.com/jack/statuses/20",
		"https://x.com/jack/status/20a",
		"https://x.com/jack/status/-20",
	}
	for _, raw := range cases {
		_, err := SourceURL(raw, nil)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, report.ErrInvalidURL), raw)
		var verr *report.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "url", verr.Field)
	}
}

func TestSourceURLCustomHosts(t *testing.T) {
	t.Parallel()

	id, err := SourceURL("https://www.threads.example/bob/status/9", []string{"threads.example"})
	require.NoError(t, err)
	require.Equal(t, "9", id)

	_, err = SourceURL("https://x.com/bob/status/9", []string{"threads.example"})
	require.ErrorIs(t, err, report.ErrInvalidURL)
}
