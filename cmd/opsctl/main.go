// opsctl is the operator CLI for circuit breakers, dead-lettered events and
// sealed per-org credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/wolfman30/clinic-booking-pipeline/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking-pipeline/internal/app/bootstrap"
	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type breakerOps interface {
	List(ctx context.Context) ([]breaker.Snapshot, error)
	Reset(ctx context.Context, service string) error
}

type deadLetterOps interface {
	ListDeadLetters(ctx context.Context, orgID string, limit int) ([]events.Event, error)
	Replay(ctx context.Context, eventID string) (*events.Event, error)
}

type credentialWriter interface {
	Put(ctx context.Context, orgID string, providerType vault.ProviderType, values map[string]string) error
}

// ops holds the backends a command needs. Connectors run lazily so a
// breaker reset does not require Postgres and credential sealing does not
// require Redis. audit is optional.
type ops struct {
	out         io.Writer
	now         func() time.Time
	breakers    func(ctx context.Context) (breakerOps, error)
	deadLetters func(ctx context.Context) (deadLetterOps, error)
	credentials func(ctx context.Context) (credentialWriter, error)
	keygen      func() (identity, recipient string, err error)
	audit       func(ctx context.Context) (audit.Recorder, error)
	actor       string
}

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := &connector{cfg: cfg, logger: logger}
	defer conn.close()

	o := &ops{
		out:         os.Stdout,
		now:         time.Now,
		breakers:    conn.breakers,
		deadLetters: conn.deadLetters,
		credentials: conn.credentials,
		keygen:      vault.GenerateIdentity,
		audit:       conn.audit,
		actor:       "opsctl:" + os.Getenv("USER"),
	}
	if err := execute(ctx, o, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: opsctl <command> [flags]

commands:
  breakers list
  breakers reset <service>
  dead-letters list [--org ORG] [--limit N]
  dead-letters replay <event-id>
  credentials keygen
  credentials put --org ORG --type sms|calendar|email (--file PATH | --set key=value ...)
`

func execute(ctx context.Context, o *ops, args []string) error {
	if len(args) < 2 {
		fmt.Fprint(o.out, usage)
		if len(args) == 1 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
			return pflag.ErrHelp
		}
		return errors.New("missing command")
	}
	group, sub, rest := args[0], args[1], args[2:]
	switch group + " " + sub {
	case "breakers list":
		return listBreakers(ctx, o)
	case "breakers reset":
		return resetBreaker(ctx, o, rest)
	case "dead-letters list":
		return listDeadLetters(ctx, o, rest)
	case "dead-letters replay":
		return replayDeadLetter(ctx, o, rest)
	case "credentials keygen":
		return keygen(o)
	case "credentials put":
		return putCredentials(ctx, o, rest)
	default:
		fmt.Fprint(o.out, usage)
		return fmt.Errorf("unknown command %q", group+" "+sub)
	}
}

func listBreakers(ctx context.Context, o *ops) error {
	b, err := o.breakers(ctx)
	if err != nil {
		return err
	}
	snaps, err := b.List(ctx)
	if err != nil {
		return fmt.Errorf("list breakers: %w", err)
	}
	now := o.now()
	tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tFAILURES\tOPEN UNTIL")
	for _, s := range snaps {
		until := "-"
		if !s.OpenUntil.IsZero() {
			until = s.OpenUntil.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Service, s.StateAt(now), s.Failures, until)
	}
	return tw.Flush()
}

func resetBreaker(ctx context.Context, o *ops, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("breakers reset requires exactly one service key, e.g. sms.telnyx")
	}
	b, err := o.breakers(ctx)
	if err != nil {
		return err
	}
	if err := b.Reset(ctx, args[0]); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	fmt.Fprintf(o.out, "breaker %s reset\n", args[0])
	o.record(ctx, audit.Entry{Action: audit.ActionBreakerReset, Target: args[0]})
	return nil
}

func listDeadLetters(ctx context.Context, o *ops, args []string) error {
	fs := pflag.NewFlagSet("dead-letters list", pflag.ContinueOnError)
	fs.SetOutput(o.out)
	org := fs.String("org", "", "only list events for this org")
	limit := fs.Int("limit", 50, "maximum events to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dl, err := o.deadLetters(ctx)
	if err != nil {
		return err
	}
	list, err := dl.ListDeadLetters(ctx, *org, *limit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORG\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.OrgID, e.Type, e.Attempts,
			e.UpdatedAt.UTC().Format(time.RFC3339), truncate(e.LastError, 80))
	}
	return tw.Flush()
}

func replayDeadLetter(ctx context.Context, o *ops, args []string) error {
	if len(args) != 1 {
		return errors.New("dead-letters replay requires exactly one event id")
	}
	dl, err := o.deadLetters(ctx)
	if err != nil {
		return err
	}
	e, err := dl.Replay(ctx, args[0])
	if err != nil {
		return fmt.Errorf("replay %s: %w", args[0], err)
	}
	fmt.Fprintf(o.out, "event %s is %s\n", e.ID, e.Status)
	o.record(ctx, audit.Entry{
		Action:  audit.ActionDeadLetterReplay,
		OrgID:   e.OrgID,
		Target:  e.ID,
		Details: audit.Details(map[string]any{"type": e.Type, "attempts": e.Attempts}),
	})
	return nil
}

func keygen(o *ops) error {
	identity, recipient, err := o.keygen()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	fmt.Fprintf(o.out, "# recipient: %s\nVAULT_AGE_IDENTITY=%s\n", recipient, identity)
	return nil
}

func putCredentials(ctx context.Context, o *ops, args []string) error {
	fs := pflag.NewFlagSet("credentials put", pflag.ContinueOnError)
	fs.SetOutput(o.out)
	org := fs.String("org", "", "org id")
	rawType := fs.String("type", "", "provider type: sms, calendar or email")
	file := fs.String("file", "", "JSON document of credential values")
	sets := fs.StringArray("set", nil, "credential value as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*org) == "" {
		return errors.New("--org is required")
	}
	pt, err := vault.ParseProviderType(*rawType)
	if err != nil {
		return err
	}
	values, err := credentialValues(*file, *sets)
	if err != nil {
		return err
	}
	if strings.TrimSpace(values["provider"]) == "" {
		return errors.New(`credential document needs a "provider" value`)
	}

	w, err := o.credentials(ctx)
	if err != nil {
		return err
	}
	if err := w.Put(ctx, *org, pt, values); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	fmt.Fprintf(o.out, "sealed %s credentials for org %s (provider %s)\n", pt, *org, values["provider"])
	o.record(ctx, audit.Entry{
		Action:  audit.ActionCredentialsSaved,
		OrgID:   *org,
		Target:  string(pt),
		Details: audit.Details(map[string]string{"provider": values["provider"]}),
	})
	return nil
}

// record writes an audit entry. Failures are reported on stderr only.
func (o *ops) record(ctx context.Context, entry audit.Entry) {
	if o.audit == nil {
		return
	}
	entry.Actor = o.actor
	rec, err := o.audit(ctx)
	if err == nil {
		err = rec.Record(ctx, entry)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit %s not recorded: %v\n", entry.Action, err)
	}
}

func credentialValues(file string, sets []string) (map[string]string, error) {
	values := map[string]string{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		values[strings.TrimSpace(key)] = value
	}
	if len(values) == 0 {
		return nil, errors.New("no credential values given; use --file or --set")
	}
	return values, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// connector opens production backends on first use.
type connector struct {
	cfg    *appconfig.Config
	logger *logging.Logger
	pool   *pgxpool.Pool
}

func (c *connector) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := bootstrap.BuildPostgresPool(ctx, c.cfg.DatabaseURL, c.logger)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("DATABASE_URL is required")
	}
	c.pool = pool
	return pool, nil
}

func (c *connector) breakers(ctx context.Context) (breakerOps, error) {
	redisClient := bootstrap.BuildRedisClient(ctx, c.cfg, c.logger, true)
	if redisClient == nil {
		return nil, errors.New("breaker state lives in Redis; set REDIS_ADDR")
	}
	return bootstrap.BuildBreaker(c.cfg, redisClient, nil, c.logger), nil
}

func (c *connector) deadLetters(ctx context.Context) (deadLetterOps, error) {
	pool, err := c.postgres(ctx)
	if err != nil {
		return nil, err
	}
	resolver := tenancy.NewResolver(tenancy.NewSQLDirectory(stdlib.OpenDBFromPool(pool)), tenancy.NewTTLCache(c.cfg.TenantCacheTTL), c.logger)
	pipeline := events.NewPipeline(events.NewPostgresStore(pool), resolver, c.logger)
	if c.cfg.EventQueueURL != "" && !c.cfg.UseMemoryQueue {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		pipeline = pipeline.WithQueue(events.NewSQSQueue(sqs.NewFromConfig(awsCfg), c.cfg.EventQueueURL))
	}
	return pipeline, nil
}

func (c *connector) credentials(ctx context.Context) (credentialWriter, error) {
	if strings.TrimSpace(c.cfg.VaultIdentity) == "" {
		return nil, errors.New("VAULT_AGE_IDENTITY is required; generate one with `opsctl credentials keygen`")
	}
	sealer, err := vault.NewSealer(c.cfg.VaultIdentity)
	if err != nil {
		return nil, fmt.Errorf("vault identity: %w", err)
	}
	pool, err := c.postgres(ctx)
	if err != nil {
		return nil, err
	}
	return vault.NewAgeVault(vault.NewPostgresStore(pool), sealer, c.cfg.VaultCacheTTL, c.logger), nil
}

func (c *connector) audit(ctx context.Context) (audit.Recorder, error) {
	pool, err := c.postgres(ctx)
	if err != nil {
		return nil, err
	}
	return audit.NewLog(stdlib.OpenDBFromPool(pool)), nil
}

func (c *connector) close() {
	if c.pool != nil {
		c.pool.Close()
	}
}
