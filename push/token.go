package push

import (
	"encoding/base64"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// occupancyPrefix subscribes a channel in presence mode, so the server
// reports publisher counts instead of delivering messages.
const occupancyPrefix = "[?occupancy=metrics.publishers]"

// tokenRefreshGrace is subtracted from the token lifetime so reconnection
// happens well before expiry.
const tokenRefreshGrace = 10 * time.Minute

// streamingToken is the parsed channel-scoped JWT returned by the auth
// endpoint. The signature is not verified here; the streaming service does
// that.
type streamingToken struct {
	raw      string
	channels map[string][]string
	issuedAt int64
	expireAt int64
}

type tokenClaims struct {
	Capability string `json:"x-ably-capability"`
	IssuedAt   int64  `json:"iat"`
	ExpireAt   int64  `json:"exp"`
}

// parseStreamingToken decodes the claims segment of the JWT and extracts the
// channel capability map.
func parseStreamingToken(raw string) (*streamingToken, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, errors.Errorf("malformed jwt: %d segments", len(parts))
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, errors.Wrap(err, "decoding jwt claims")
	}

	var claims tokenClaims
	if err := jsonAPI.Unmarshal(decoded, &claims); err != nil {
		return nil, errors.Wrap(err, "parsing jwt claims")
	}

	// The capability claim is a JSON document embedded as a string.
	channels := map[string][]string{}
	if err := jsonAPI.Unmarshal([]byte(claims.Capability), &channels); err != nil {
		return nil, errors.Wrap(err, "parsing channel capability")
	}
	if len(channels) == 0 {
		return nil, errors.New("token carries no channels")
	}

	return &streamingToken{
		raw:      raw,
		channels: channels,
		issuedAt: claims.IssuedAt,
		expireAt: claims.ExpireAt,
	}, nil
}

// sseChannels renders the capability map as the channel list to subscribe:
// plain subscribe channels as-is, publisher-metadata channels in occupancy
// mode. Sorted within each group so the connection URL is deterministic.
func (t *streamingToken) sseChannels() []string {
	regular := []string{}
	occupancy := []string{}
	for name, grants := range t.channels {
		if len(grants) == 1 && grants[0] == "subscribe" {
			regular = append(regular, name)
			continue
		}
		for _, grant := range grants {
			if grant == "channel-metadata:publishers" {
				occupancy = append(occupancy, occupancyPrefix+name)
				break
			}
		}
	}
	sort.Strings(regular)
	sort.Strings(occupancy)
	return append(regular, occupancy...)
}

// refreshIn returns how long after connecting the token should be swapped
// for a fresh one.
func (t *streamingToken) refreshIn() time.Duration {
	lifetime := time.Duration(t.expireAt-t.issuedAt) * time.Second
	if lifetime <= tokenRefreshGrace {
		return time.Minute
	}
	return lifetime - tokenRefreshGrace
}
