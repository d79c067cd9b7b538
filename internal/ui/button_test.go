package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestButton_ReportsChanges(t *testing.T) {
	var changes []Change

	b := NewButton("Download", func(_ *Button, c Change) { changes = append(changes, c) })

	b.SetEnabled(false)
	b.SetLabel("12%")
	b.SetLabel("12%")
	b.SetTooltip("slow mirror")
	b.SetAttr("folder", "checkpoints")

	require.Equal(t, []Change{
		{Field: "enabled", Value: "false"},
		{Field: "label", Value: "12%"},
		{Field: "tooltip", Value: "slow mirror"},
	}, changes)

	assert.Equal(t, "12%", b.Label())
	assert.False(t, b.Enabled())
	assert.Equal(t, "slow mirror", b.Tooltip())
	assert.Equal(t, "checkpoints", b.Attr("folder"))
}

func TestButton_DestroyedIgnoresUpdates(t *testing.T) {
	calls := 0
	b := NewButton("Download", func(*Button, Change) { calls++ })

	b.Destroy()
	b.SetLabel("Downloaded")
	b.SetEnabled(false)
	b.SetAttr("folder", "vae")

	assert.True(t, b.Destroyed())
	assert.Equal(t, "Download", b.Label())
	assert.True(t, b.Enabled())
	assert.Empty(t, b.Attr("folder"))
	assert.Zero(t, calls)
}
