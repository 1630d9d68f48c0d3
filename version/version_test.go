package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_AlwaysPopulated(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Module)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
