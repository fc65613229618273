package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const tokenPrefix = "ctx:"

// ErrInvalidToken is returned when a resume token cannot be parsed or no
// longer matches the stored context version.
var ErrInvalidToken = errors.New("invalid resume token")

// ResumeToken identifies a correlation id and the context version and turn it
// was issued at. Callers treat the encoded form as opaque.
type ResumeToken struct {
	CorrelationID string
	Version       int64
	Turn          int
}

// GenerateResumeToken encodes a token as ctx:<id>:<version>:<turn>.
func GenerateResumeToken(correlationID string, version int64, turn int) string {
	return fmt.Sprintf("%s%s:%d:%d", tokenPrefix, correlationID, version, turn)
}

// ParseResumeToken decodes a token. The correlation id may itself contain
// colons, so version and turn are taken from the rightmost fields.
func ParseResumeToken(token string) (ResumeToken, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return ResumeToken{}, fmt.Errorf("%w: missing prefix", ErrInvalidToken)
	}
	body := strings.TrimPrefix(token, tokenPrefix)
	lastSep := strings.LastIndex(body, ":")
	if lastSep <= 0 {
		return ResumeToken{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	turn, err := strconv.Atoi(body[lastSep+1:])
	if err != nil {
		return ResumeToken{}, fmt.Errorf("%w: bad turn", ErrInvalidToken)
	}
	rest := body[:lastSep]
	verSep := strings.LastIndex(rest, ":")
	if verSep <= 0 {
		return ResumeToken{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	version, err := strconv.ParseInt(rest[verSep+1:], 10, 64)
	if err != nil {
		return ResumeToken{}, fmt.Errorf("%w: bad version", ErrInvalidToken)
	}
	id := rest[:verSep]
	if id == "" {
		return ResumeToken{}, fmt.Errorf("%w: empty correlation id", ErrInvalidToken)
	}
	return ResumeToken{CorrelationID: id, Version: version, Turn: turn}, nil
}

// ValidateResumeToken accepts a token iff the context exists and its current
// version matches the token's version. A token issued at an older version is
// stale and rejected.
func ValidateResumeToken(ctx context.Context, store Store, token string) (ResumeToken, error) {
	parsed, err := ParseResumeToken(token)
	if err != nil {
		return ResumeToken{}, err
	}
	current, err := store.GetContext(ctx, parsed.CorrelationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResumeToken{}, fmt.Errorf("%w: unknown correlation id", ErrInvalidToken)
		}
		return ResumeToken{}, err
	}
	if current.ContextVersion != parsed.Version {
		return ResumeToken{}, fmt.Errorf("%w: stale version %d (current %d)",
			ErrInvalidToken, parsed.Version, current.ContextVersion)
	}
	return parsed, nil
}
