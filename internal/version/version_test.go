package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	assert.Equal(t, "dev (commit: abc)", Info{Version: "dev", Commit: "abc"}.String())
	assert.Equal(t, "1.2.0 (commit: abc, built 2024-05-01)",
		Info{Version: "1.2.0", Commit: "abc", BuildDate: "2024-05-01"}.String())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "hostwatch-bot/"+Version, UserAgent("bot"))
}
