package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
)

func newTestRelay(perHour int) *relay {
	return newRelay(config.Relay{RatePerHour: perHour}, &klient.Client{HTTP: http.DefaultClient})
}

func TestRelayAllowPerUser(t *testing.T) {
	rl := newTestRelay(2)

	assert.True(t, rl.allow("u1"))
	assert.True(t, rl.allow("u1"))
	assert.False(t, rl.allow("u1"), "third call within the hour must be denied")

	// Another user has an independent budget.
	assert.True(t, rl.allow("u2"))
}

func TestRelayZeroRateDenies(t *testing.T) {
	rl := newTestRelay(0)
	assert.False(t, rl.allow("u1"))

	rl = newTestRelay(-1)
	assert.False(t, rl.allow("u1"))
}
