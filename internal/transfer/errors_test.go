package transfer

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "list_torrents",
				StatusCode: 503,
				APIMessage: "service unavailable",
			},
			wantFormat: "network error during list_torrents (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "login",
				APIMessage: "connection refused",
			},
			wantFormat: "network error during login: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFormat, tt.err.Error())
		})
	}
}

func TestAuthenticationError_Error(t *testing.T) {
	err := &AuthenticationError{Operation: "list_torrents"}
	assert.Equal(t, "authentication failed during list_torrents", err.Error())

	err = &AuthenticationError{Operation: "login", Err: errors.New("bad credentials")}
	assert.Equal(t, "authentication failed during login: bad credentials", err.Error())
}

func TestErrors_Unwrap(t *testing.T) {
	netErr := &NetworkError{Operation: "list_torrents", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, netErr, io.ErrUnexpectedEOF)

	wrapped := fmt.Errorf("cycle aborted: %w", &AuthenticationError{Operation: "list_torrents", Err: io.EOF})

	var authErr *AuthenticationError
	assert.True(t, errors.As(wrapped, &authErr))
	assert.Equal(t, "list_torrents", authErr.Operation)
	assert.ErrorIs(t, wrapped, io.EOF)
}
