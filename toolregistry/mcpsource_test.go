package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMCPSource_NameAndCloseWithoutConnect(t *testing.T) {
	src := NewMCPSource(MCPSourceConfig{Name: "fs-tools", Command: "mcp-server-filesystem"})
	assert.Equal(t, "fs-tools", src.Name())
	assert.NoError(t, src.Close(), "closing an unconnected source is a no-op")
}

func TestMCPSource_SatisfiesToolSource(t *testing.T) {
	var _ ToolSource = (*MCPSource)(nil)
}
