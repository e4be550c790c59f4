package main

import (
	"encoding/json"
	"flag"
	"io"
	"strings"
	"time"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/internal/service"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
)

// runToken issues a classroom-scope token, e.g.
//
//	ingest-api token -subject tablet-07 -role device -classrooms class-a,class-b
func runToken(cfg *config.Config, args []string, out io.Writer) error {
	var (
		subject    string
		role       string
		classrooms string
		ttl        time.Duration
	)
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&subject, "subject", "", "device or user identifier placed in the token subject")
	fs.StringVar(&role, "role", string(models.RoleDevice), "device, teacher or admin")
	fs.StringVar(&classrooms, "classrooms", "", "comma separated classroom ids the token may access")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var scope []string
	for _, id := range strings.Split(classrooms, ",") {
		if id = strings.TrimSpace(id); id != "" {
			scope = append(scope, id)
		}
	}

	tokens := service.NewTokenService(cfg.JWT)
	signed, expiresAt, err := tokens.Issue(service.TokenRequest{
		Subject:      subject,
		Role:         models.ScopeRole(role),
		ClassroomIDs: scope,
		TTL:          ttl,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"token":      signed,
		"role":       role,
		"classrooms": scope,
		"expiresAt":  expiresAt.Format(time.RFC3339),
	})
}
