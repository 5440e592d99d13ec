package flows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorTable(t *testing.T) {
	sel := NewSelector(DefaultConfig())

	tests := []struct {
		name     string
		existing *RepositoryHandle
		want     Kind
		flow     string
		encoding Encoding
	}{
		{name: "no context", existing: nil, want: KindNewBuild, flow: "simple-builder-v2", encoding: EncodingMultipart},
		{name: "empty handle", existing: &RepositoryHandle{}, want: KindNewBuild, flow: "simple-builder-v2", encoding: EncodingMultipart},
		{name: "blank url", existing: &RepositoryHandle{URL: "   ", Name: "app"}, want: KindNewBuild, flow: "simple-builder-v2", encoding: EncodingMultipart},
		{name: "full url", existing: &RepositoryHandle{URL: "https://github.com/acme/app", Name: "app"}, want: KindUpdate, flow: "update-feature", encoding: EncodingJSON},
		{name: "bare owner repo", existing: &RepositoryHandle{URL: "acme/app"}, want: KindUpdate, flow: "update-feature", encoding: EncodingJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := sel.Select(NewBuildRequest("make a todo app", tt.existing))
			assert.Equal(t, tt.want, target.Kind)
			assert.Equal(t, tt.flow, target.Flow)
			assert.Equal(t, tt.encoding, target.Encoding)
			assert.Equal(t, "production", target.Namespace)
		})
	}
}

func TestSelectorCustomConfig(t *testing.T) {
	sel := NewSelector(Config{Namespace: "dev", Update: "update-v3"})

	fresh := sel.Select(NewBuildRequest("x", nil))
	assert.Equal(t, "dev/simple-builder-v2", fresh.String())

	update := sel.Select(NewBuildRequest("x", &RepositoryHandle{URL: "acme/app"}))
	assert.Equal(t, "dev/update-v3", update.String())
}

func TestNewBuildRequestCopiesHandle(t *testing.T) {
	handle := &RepositoryHandle{URL: " https://github.com/acme/app ", Name: "app"}
	req := NewBuildRequest("  add a footer  ", handle)

	handle.URL = "mutated"

	require.NotNil(t, req.ExistingContext)
	assert.Equal(t, "https://github.com/acme/app", req.ExistingContext.URL)
	assert.Equal(t, "add a footer", req.Prompt)
	assert.True(t, req.HasContext())
}
