package remote

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const tokenVersion = "v1"

// EncodeToken serialises a change sequence to an opaque pull token.
func EncodeToken(seq int64) string {
	if seq <= 0 {
		return ""
	}
	raw := fmt.Sprintf("%s|%d", tokenVersion, seq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeToken parses a pull token. The empty token means "from the beginning".
func DecodeToken(token string) (int64, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[0] != tokenVersion {
		return 0, fmt.Errorf("%w: unexpected format", ErrInvalidToken)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: bad sequence", ErrInvalidToken)
	}
	return seq, nil
}
