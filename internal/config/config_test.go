package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://demo.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("POLL_INTERVAL", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://demo.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.StalenessWindow)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.RealtimeEnabled)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     Config{SupabaseURL: "https://x.supabase.co", PollInterval: time.Second, StalenessWindow: time.Minute},
			wantErr: false,
		},
		{
			name:    "zero poll interval",
			cfg:     Config{SupabaseURL: "https://x.supabase.co", StalenessWindow: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero staleness window",
			cfg:     Config{SupabaseURL: "https://x.supabase.co", PollInterval: time.Second},
			wantErr: true,
		},
		{
			name:    "non http url",
			cfg:     Config{SupabaseURL: "x.supabase.co", PollInterval: time.Second, StalenessWindow: time.Minute},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_RealtimeURL(t *testing.T) {
	assert.Equal(t, "wss://x.supabase.co/realtime/v1/websocket", (&Config{SupabaseURL: "https://x.supabase.co"}).RealtimeURL())
	assert.Equal(t, "ws://127.0.0.1:54321/realtime/v1/websocket", (&Config{SupabaseURL: "http://127.0.0.1:54321"}).RealtimeURL())
}
