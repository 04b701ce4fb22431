package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicaliseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "strips www and trailing slash",
			input: "https://www.bbc.com/news/articles/abc123/",
			want:  "https://bbc.com/news/articles/abc123",
		},
		{
			name:  "lowercases host",
			input: "https://WWW.BBC.com/News/live",
			want:  "https://bbc.com/News/live",
		},
		{
			name:  "removes tracking parameters",
			input: "https://bbc.com/news/abc?utm_source=tw&utm_medium=social&page=2",
			want:  "https://bbc.com/news/abc?page=2",
		},
		{
			name:  "sorts query parameters",
			input: "https://bbc.com/news?b=2&a=1",
			want:  "https://bbc.com/news?a=1&b=2",
		},
		{
			name:  "drops fragment",
			input: "https://bbc.com/news/abc#comments",
			want:  "https://bbc.com/news/abc",
		},
		{
			name:  "removes default https port",
			input: "https://bbc.com:443/news",
			want:  "https://bbc.com/news",
		},
		{
			name:  "adds scheme when missing",
			input: "bbc.com/news/abc",
			want:  "https://bbc.com/news/abc",
		},
		{
			name:    "empty input",
			input:   "  ",
			wantErr: true,
		},
		{
			name:    "scheme only",
			input:   "https://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicaliseURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFingerprintURL(t *testing.T) {
	t.Parallel()

	// Equivalent URLs must map to the same fingerprint.
	a, err := FingerprintURL("https://www.bbc.com/news/articles/abc123/")
	require.NoError(t, err)
	b, err := FingerprintURL("https://bbc.com/news/articles/abc123?utm_source=feed")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Different articles must not collide.
	c, err := FingerprintURL("https://bbc.com/news/articles/def456")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = FingerprintURL("")
	assert.Error(t, err)
}
