package container

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidImageRef(t *testing.T) {
	valid := []string{
		"alpine",
		"alpine:3.20",
		"projectdiscovery/nuclei:v3.3.0",
		"ghcr.io/strandsec/httpx-tool:latest",
		"registry.local:5000/tools/scanner",
		"alpine@sha256:" + strings.Repeat("a", 64),
	}
	for _, ref := range valid {
		assert.NoError(t, validImageRef(ref), ref)
	}

	invalid := []string{
		"",
		"Alpine",
		"alpine; rm -rf /",
		"alpine:tag with space",
		"alpine@sha256:short",
		"-leading/dash",
		strings.Repeat("a", 256),
	}
	for _, ref := range invalid {
		assert.Error(t, validImageRef(ref), ref)
	}
}

func TestValidContainerID(t *testing.T) {
	assert.NoError(t, validContainerID("0123456789ab"))
	assert.NoError(t, validContainerID(strings.Repeat("f", 64)))

	assert.Error(t, validContainerID("short"))
	assert.Error(t, validContainerID("0123456789AB"))
	assert.Error(t, validContainerID("0123456789ab; echo"))
	assert.Error(t, validContainerID(strings.Repeat("f", 65)))
}
