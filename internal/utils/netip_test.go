package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPMatcher(t *testing.T) {
	m, invalid := NewIPMatcher([]string{"10.0.0.0/8", " 127.0.0.1 ", "::1", "not-an-ip", ""})
	assert.Equal(t, []string{"not-an-ip"}, invalid)
	assert.False(t, m.IsEmpty())

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"127.0.0.1", true},
		{"::ffff:127.0.0.1", true},
		{"::1", true},
		{"192.168.1.1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Allow(tt.ip), tt.ip)
	}

	empty, _ := NewIPMatcher(nil)
	assert.True(t, empty.IsEmpty())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", ClientIP(r, false))
	assert.Equal(t, "203.0.113.9", ClientIP(r, true))

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(r, true))
}
