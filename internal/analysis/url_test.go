package analysis

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "prepends https", in: "example.com", want: "https://example.com"},
		{name: "trims whitespace", in: "  example.com/pricing  ", want: "https://example.com/pricing"},
		{name: "lowercases host", in: "HTTPS://Example.COM/About", want: "https://example.com/About"},
		{name: "drops default https port", in: "https://example.com:443/a", want: "https://example.com/a"},
		{name: "drops default http port", in: "http://example.com:80", want: "http://example.com"},
		{name: "keeps custom port", in: "http://example.com:8080", want: "http://example.com:8080"},
		{name: "drops fragment", in: "https://example.com/#top", want: "https://example.com"},
		{name: "sorts query", in: "https://example.com/?b=2&a=1", want: "https://example.com?a=1&b=2"},
		{name: "protocol relative", in: "//example.com/x", want: "https://example.com/x"},
		{name: "url inside query", in: "example.com/login?next=https://example.com/a", want: "https://example.com/login?next=https://example.com/a"},
		{name: "keeps malformed escapes", in: "example.com/?b=1&a=%zz", want: "https://example.com?a=%zz&b=1"},
		{name: "keeps bare keys", in: "example.com/?flag", want: "https://example.com?flag"},
		{name: "repeated keys keep order", in: "example.com/?t=2&s=x&t=1", want: "https://example.com?s=x&t=2&t=1"},
		{name: "drops empty pairs", in: "example.com/?a=1&&b=2&", want: "https://example.com?a=1&b=2"},
		{name: "empty query", in: "example.com/?", want: "https://example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://example.com", "https://", "https://user:pw@example.com", "https://exa mple.com"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, in)
		require.True(t, errors.Is(err, ErrValidation), in)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "websiteUrl", verr.Field)
	}
}
