package share

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nightlog/nightlog/internal/remote"
)

// EncodeInvitation renders inv as a single copyable token.
func EncodeInvitation(inv remote.Invitation) (string, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("failed to encode invitation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeInvitation parses a token produced by EncodeInvitation.
func DecodeInvitation(token string) (remote.Invitation, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return remote.Invitation{}, fmt.Errorf("malformed invitation: %w", err)
	}
	var inv remote.Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return remote.Invitation{}, fmt.Errorf("malformed invitation: %w", err)
	}
	if inv.Token == "" {
		return remote.Invitation{}, fmt.Errorf("malformed invitation: missing token")
	}
	return inv, nil
}
