package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResendCooldown(t *testing.T) {
	schedule := DefaultPolicy().ResendCooldowns

	cases := []struct {
		count int
		want  time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 15 * time.Second},
		{2, 30 * time.Second},
		{3, 30 * time.Second},
		{99, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResendCooldown(schedule, tc.count), "count %d", tc.count)
	}

	assert.Equal(t, time.Duration(0), ResendCooldown(nil, 4))
}

func TestService_ResendCooldownUsesPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.ResendCooldowns = []time.Duration{5 * time.Second, time.Minute}
	svc := NewService(nil, p, nil)

	assert.Equal(t, 5*time.Second, svc.ResendCooldown(0))
	assert.Equal(t, time.Minute, svc.ResendCooldown(7))
}
