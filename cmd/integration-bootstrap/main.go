// Writes a session token file for integration runs against a real backend,
// so farmsync authenticates with a user session instead of the API key.
//
// Usage: go run ./cmd/integration-bootstrap --token-file .testdata/session.json
//
// The access token is read from FARMSYNC_ACCESS_TOKEN.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/farmsync/internal/tokenfile"
)

const envAccessToken = "FARMSYNC_ACCESS_TOKEN"

func main() {
	path := flag.String("token-file", "session.json", "where to write the session token")
	ttl := flag.Duration("ttl", time.Hour, "lifetime of the access token")
	flag.Parse()

	access := os.Getenv(envAccessToken)
	if access == "" {
		fmt.Fprintf(os.Stderr, "%s is not set\n", envAccessToken)
		os.Exit(1)
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(*ttl),
	}

	meta := map[string]string{"source": "integration-bootstrap"}

	if err := tokenfile.Save(*path, tok, meta); err != nil {
		fmt.Fprintf(os.Stderr, "saving token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Token saved to %s (expires %s).\n", *path, tok.Expiry.Format(time.RFC3339))
}
