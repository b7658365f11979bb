package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowgate/knowgate/internal/config"
)

func TestClientIPStrategy(t *testing.T) {
	s := &ClientIPStrategy{}

	t.Run("x-forwarded-for wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/search", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		req.Header.Set("X-Real-IP", "198.51.100.2")
		key, err := s.Extract(req)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.9", key)
	})

	t.Run("x-real-ip next", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/search", nil)
		req.Header.Set("X-Real-IP", "198.51.100.2")
		key, err := s.Extract(req)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.2", key)
	})

	t.Run("remote addr fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/search", nil)
		req.RemoteAddr = "192.0.2.1:54321"
		key, err := s.Extract(req)
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1", key)
	})
}

func TestHeaderStrategy(t *testing.T) {
	s := &HeaderStrategy{HeaderName: "X-Subject-Id"}

	req := httptest.NewRequest("GET", "/v1/search", nil)
	req.Header.Set("X-Subject-Id", "user-42")
	key, err := s.Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", key)

	_, err = s.Extract(httptest.NewRequest("GET", "/v1/search", nil))
	assert.Error(t, err)
}

func TestCompositeStrategy(t *testing.T) {
	s := &CompositeStrategy{HeaderName: "X-Subject-Id"}

	req := httptest.NewRequest("GET", "/v1/search", nil)
	req.Header.Set("X-Subject-Id", "user-42")
	req.RemoteAddr = "192.0.2.1:54321"
	key, err := s.Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42:192.0.2.1", key)
}

func TestNewKeyStrategy(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.KeyStrategyConfig
		want    any
		wantErr bool
	}{
		{"default is client ip", config.KeyStrategyConfig{}, &ClientIPStrategy{}, false},
		{"clientip", config.KeyStrategyConfig{Type: config.KeyStrategyClientIP}, &ClientIPStrategy{}, false},
		{"header", config.KeyStrategyConfig{Type: config.KeyStrategyHeader, HeaderName: "x-subject-id"}, &HeaderStrategy{}, false},
		{"header without name", config.KeyStrategyConfig{Type: config.KeyStrategyHeader}, nil, true},
		{"composite", config.KeyStrategyConfig{Type: config.KeyStrategyComposite, HeaderName: "x-subject-id"}, &CompositeStrategy{}, false},
		{"unknown", config.KeyStrategyConfig{Type: "cookie"}, nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewKeyStrategy(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, s)
		})
	}
}

func TestHeaderNameCanonicalized(t *testing.T) {
	s, err := NewKeyStrategy(config.KeyStrategyConfig{
		Type:       config.KeyStrategyHeader,
		HeaderName: "x-subject-id",
	})
	require.NoError(t, err)

	hs, ok := s.(*HeaderStrategy)
	require.True(t, ok)
	assert.Equal(t, http.CanonicalHeaderKey("x-subject-id"), hs.HeaderName)
}
