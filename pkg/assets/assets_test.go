package assets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetOS(t *testing.T) {
	script := string(GetOS())
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, "/etc/os-release")
}
