package tunnelerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := fmt.Errorf("dial: %w", New(ConnectionFailed, "dial example.com:22", cause))

	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected errors.Is to match ConnectionFailed: %v", err)
	}
	if errors.Is(err, ErrTunnelFailed) {
		t.Fatal("unexpected match against TunnelFailed")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if got := KindOf(err); got != ConnectionFailed {
		t.Fatalf("KindOf = %v, want %v", got, ConnectionFailed)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantUser  string
		wantDebug string
	}{
		{
			name:      "reason",
			err:       New(TunnelFailed, "channel refused", errors.New("administratively prohibited")),
			wantUser:  "tunnel failed: channel refused",
			wantDebug: "administratively prohibited",
		},
		{
			name:      "no reason",
			err:       New(InvalidKeyFormat, "", nil),
			wantUser:  "invalid key format",
			wantDebug: "invalid key format",
		},
		{
			name:      "auth hides detail",
			err:       New(AuthenticationFailed, "", errors.New("ssh: unable to authenticate")),
			wantUser:  "authentication failed",
			wantDebug: "unable to authenticate",
		},
		{
			name:      "plain error",
			err:       errors.New("boom"),
			wantUser:  "boom",
			wantDebug: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := UserMessage(tt.err); !strings.HasPrefix(got, tt.wantUser) {
				t.Errorf("UserMessage = %q, want prefix %q", got, tt.wantUser)
			}
			if got := DebugMessage(tt.err); !strings.Contains(got, tt.wantDebug) {
				t.Errorf("DebugMessage = %q, want it to contain %q", got, tt.wantDebug)
			}
		})
	}
}

func TestNilMessages(t *testing.T) {
	t.Parallel()

	if UserMessage(nil) != "" || DebugMessage(nil) != "" {
		t.Fatal("expected empty messages for nil error")
	}
}
