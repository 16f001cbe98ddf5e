package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/auth"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
)

// runIssueToken mints a mailbox token for --identity using JWT_SECRET and
// JWT_TTL, and prints it to stdout.
func runIssueToken(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		fmt.Fprintln(stderr, "issue-token: JWT_SECRET must be set")
		return 2
	}
	if cfg.Agent.Identity == "" {
		fmt.Fprintln(stderr, "issue-token: --identity is required")
		return 2
	}

	token, err := auth.IssueToken(cfg.JWTSecret, cfg.Agent.Identity, cfg.Agent.Name, cfg.JWTTTL, now())
	if err != nil {
		fmt.Fprintln(stderr, "issue-token:", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
