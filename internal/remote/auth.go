package remote

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
)

// OAuth2 adapts an oauth2.TokenSource to TokenSource. Logs every token
// acquisition failure so an expired session is visible.
func OAuth2(src oauth2.TokenSource, logger *slog.Logger) TokenSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &tokenBridge{src: src, logger: logger}
}

type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("remote: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}
