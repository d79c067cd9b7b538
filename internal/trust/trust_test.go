package trust

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_IsTrusted(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{name: "exact domain", url: "https://huggingface.co/org/repo/resolve/main/model.safetensors", want: true},
		{name: "subdomain", url: "https://cdn-lfs.huggingface.co/repo/file", want: true},
		{name: "uppercase host", url: "https://CivitAI.com/api/download/models/1", want: true},
		{name: "trailing dot", url: "https://github.com./owner/repo", want: true},
		{name: "with port", url: "https://pixeldrain.com:443/api/file/abc", want: true},
		{name: "suffix without dot", url: "https://evilhuggingface.co/file", want: false},
		{name: "allowed domain as subdomain of other", url: "https://huggingface.co.evil.com/file", want: false},
		{name: "unknown host", url: "https://example.com/model.ckpt", want: false},
		{name: "not a url", url: "::not a url", want: false},
		{name: "relative path", url: "/api/download-model", want: false},
		{name: "ftp scheme", url: "ftp://huggingface.co/file", want: false},
		{name: "empty", url: "", want: false},
	}

	f := NewFilter()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.IsTrusted(tt.url))
		})
	}
}

func TestFilter_ExtraDomains(t *testing.T) {
	f := NewFilter(" Models.Example.org. ", "")

	assert.True(t, f.IsTrusted("https://models.example.org/a.safetensors"))
	assert.True(t, f.IsTrusted("https://eu.models.example.org/a.safetensors"))
	assert.Len(t, f.Domains(), len(DefaultDomains)+1)
}

func TestFilter_Check(t *testing.T) {
	f := NewFilter()

	require.NoError(t, f.Check("https://replicate.delivery/pbxt/weights.tar"))

	err := f.Check("https://example.com/model.ckpt")
	require.Error(t, err)

	var untrusted *UntrustedSourceError
	require.True(t, errors.As(err, &untrusted))
	assert.Equal(t, "example.com", untrusted.Host)
	assert.Equal(t, "untrusted source: host example.com is not in the allow-list", err.Error())

	err = f.Check("%%%")
	require.ErrorAs(t, err, &untrusted)
	assert.Empty(t, untrusted.Host)
}
