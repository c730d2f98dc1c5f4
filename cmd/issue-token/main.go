package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token signs a candidate or proctor JWT with the server's secret, for
// provisioning and local testing.
func main() {
	var (
		kind    string
		subject string
		name    string
		ttl     time.Duration
	)
	flag.StringVar(&kind, "type", "candidate", "Token type: candidate or proctor")
	flag.StringVar(&subject, "sub", "", "Candidate ID or proctor identifier")
	flag.StringVar(&name, "name", "", "Display name")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_EXPIRY)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	typ, err := parseTokenType(kind)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid token type")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		fmt.Fprintln(os.Stderr, "Error: -sub is required")
		flag.Usage()
		os.Exit(2)
	}

	authService := service.NewAuthService(cfg)
	token, err := authService.IssueToken(typ, subject, name, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	// Token alone on stdout so it can be captured by scripts.
	fmt.Println(token)
}

func parseTokenType(s string) (service.TokenType, error) {
	switch service.TokenType(strings.ToLower(strings.TrimSpace(s))) {
	case service.TokenTypeCandidate:
		return service.TokenTypeCandidate, nil
	case service.TokenTypeProctor:
		return service.TokenTypeProctor, nil
	default:
		return "", fmt.Errorf("unknown token type %q", s)
	}
}
