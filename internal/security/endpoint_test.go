package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr string
	}{
		{"https://93.184.216.34/hook", ""},
		{"ftp://93.184.216.34/hook", "scheme"},
		{"https:///hook", "host"},
		{"http://localhost:8080/hook", "not allowed"},
		{"http://127.0.0.1/hook", "loopback"},
		{"http://10.0.0.8/hook", "private"},
		{"http://192.168.1.1/hook", "private"},
		{"http://169.254.169.254/latest", "link-local"},
		{"http://0.0.0.0/hook", "unspecified"},
		{"http://[::1]/hook", "loopback"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateEndpointURL_Resolution(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })

	lookupHost = func(_ context.Context, host string) ([]string, error) {
		switch host {
		case "public.test":
			return []string{"93.184.216.34"}, nil
		case "rebind.test":
			return []string{"93.184.216.34", "10.1.2.3"}, nil
		}
		return nil, errors.New("no such host")
	}

	assert.NoError(t, ValidateEndpointURL("https://public.test/hook"))
	assert.ErrorIs(t, ValidateEndpointURL("https://rebind.test/hook"), ErrBlockedEndpoint)
	assert.ErrorContains(t, ValidateEndpointURL("https://missing.test/hook"), "cannot resolve")
}
