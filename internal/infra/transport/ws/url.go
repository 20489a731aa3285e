package ws

import (
	"net/url"
	"strings"

	"github.com/coachpo/auctionsync/errs"
)

// Endpoint path of the auction channel on the server.
const channelPath = "/ws"

// BuildURL derives the channel target from the page base URL: http maps to ws, https to wss.
// The participant parameter is omitted when userID is empty.
func BuildURL(baseURL, auctionID, userID string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || base.Host == "" {
		return "", errs.New("ws/url", errs.CodeValidation,
			errs.WithMessage("invalid server base url"),
			errs.WithField("base_url", baseURL),
			errs.WithCause(err))
	}
	scheme := "ws"
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws", "":
	default:
		return "", errs.New("ws/url", errs.CodeValidation,
			errs.WithMessage("unsupported url scheme"),
			errs.WithField("scheme", base.Scheme))
	}
	q := url.Values{}
	q.Set("auction_id", auctionID)
	if userID != "" {
		q.Set("user_id", userID)
	}
	target := url.URL{
		Scheme:   scheme,
		Host:     base.Host,
		Path:     strings.TrimSuffix(base.Path, "/") + channelPath,
		RawQuery: q.Encode(),
	}
	return target.String(), nil
}
