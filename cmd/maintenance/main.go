package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"smsup-service/internal/events"
	"smsup-service/internal/factory"
	"smsup-service/internal/service"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "migrate":
		err = cmdMigrate(os.Args[2:])
	case "purge":
		err = cmdPurge(os.Args[2:])
	case "set-account":
		err = cmdSetAccount(os.Args[2:])
	case "sync-credit":
		err = cmdSyncCredit(os.Args[2:])
	case "audit":
		err = cmdAudit(os.Args[2:])
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: maintenance <command> [flags]

commands:
  migrate       create Scylla, Postgres and ClickHouse tables
  purge         delete OTP sessions older than -retention
  set-account   store encrypted SMS-UP+ API credentials for a user
  sync-credit   refresh a user's credit balance from the billing API
  audit         list audit events for a session or user`)
}

func cmdMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 2*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withFactory(*timeout, func(ctx context.Context, f *factory.Factory) error {
		return f.Migrate(ctx)
	})
}

func cmdPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	retention := fs.Duration("retention", 7*24*time.Hour, "keep sessions created within this period")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *retention <= 0 {
		return errors.New("retention must be positive")
	}
	return withFactory(*timeout, func(ctx context.Context, f *factory.Factory) error {
		n, err := f.ServiceFactory().OTPService().PurgeExpired(ctx, *retention)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d sessions\n", n)
		return nil
	})
}

func cmdSetAccount(args []string) error {
	fs := flag.NewFlagSet("set-account", flag.ContinueOnError)
	userID := fs.String("user", "", "profile user id")
	username := fs.String("username", "", "SMS-UP+ API username")
	passwordEnv := fs.String("password-env", "SMSUP_API_PASSWORD", "environment variable holding the API password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	password := os.Getenv(*passwordEnv)
	if *userID == "" || *username == "" || password == "" {
		return fmt.Errorf("-user, -username and $%s are required", *passwordEnv)
	}
	return withFactory(30*time.Second, func(ctx context.Context, f *factory.Factory) error {
		return f.ServiceFactory().CreditService().SetAccount(ctx, &service.SetAccountRequest{
			UserID:      *userID,
			APIUsername: *username,
			APIPassword: password,
		})
	})
}

func cmdSyncCredit(args []string) error {
	fs := flag.NewFlagSet("sync-credit", flag.ContinueOnError)
	userID := fs.String("user", "", "profile user id")
	force := fs.Bool("force", true, "bypass the staleness window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	return withFactory(time.Minute, func(ctx context.Context, f *factory.Factory) error {
		res, err := f.ServiceFactory().CreditService().Sync(ctx, *userID, *force)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	})
}

func cmdAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	sessionID := fs.String("session", "", "OTP session id")
	userID := fs.String("user", "", "user id")
	size := fs.Int("size", 50, "maximum events to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query, err := auditQuery(*sessionID, *userID, *size)
	if err != nil {
		return err
	}

	return withFactory(30*time.Second, func(ctx context.Context, f *factory.Factory) error {
		es := f.ESClient()
		if es == nil {
			return errors.New("audit index is disabled (AUDIT_ES_ENABLED=false)")
		}
		res, err := es.Search(ctx, f.Config().Elasticsearch.AuditIndex, query)
		if err != nil {
			return err
		}
		var body searchResponse
		if err := es.ParseResponse(res, &body); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, hit := range body.Hits.Hits {
			if err := enc.Encode(hit.Source); err != nil {
				return err
			}
		}
		return nil
	})
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source events.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// auditQuery matches events for one session or one user, newest first.
func auditQuery(sessionID, userID string, size int) (map[string]interface{}, error) {
	var field, value string
	switch {
	case sessionID != "" && userID != "":
		return nil, errors.New("use either -session or -user")
	case sessionID != "":
		field, value = "session_id", sessionID
	case userID != "":
		field, value = "user_id", userID
	default:
		return nil, errors.New("-session or -user is required")
	}
	if size <= 0 || size > 1000 {
		size = 50
	}
	return map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"term": map[string]interface{}{field: value}},
		"sort":  []interface{}{map[string]interface{}{"occurred_at": map[string]interface{}{"order": "desc"}}},
	}, nil
}

func withFactory(timeout time.Duration, fn func(ctx context.Context, f *factory.Factory) error) error {
	f, err := factory.NewFactory()
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, f)
}
