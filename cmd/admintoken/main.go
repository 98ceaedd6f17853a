// Command admintoken prints a signed bearer token for the admin API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bissquit/medication-reminders/internal/config"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/identity/jwt"
)

func main() {
	var (
		cfgPath string
		subject string
		role    string
		ttl     time.Duration
	)
	flag.StringVar(&cfgPath, "config", os.Getenv("MEDREM_CONFIG"), "path to config yaml (optional)")
	flag.StringVar(&subject, "subject", "", "token subject, e.g. an operator email")
	flag.StringVar(&role, "role", string(domain.RoleAdmin), "token role")
	flag.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if subject == "" {
		fmt.Fprintln(os.Stderr, "admintoken: -subject is required")
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}

	auth := jwt.NewAuthenticator(jwt.Config{SecretKey: cfg.JWT.SecretKey, Issuer: cfg.JWT.Issuer})
	token, err := auth.IssueToken(subject, domain.Role(role), ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
