package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"quotepush/internal/domain/notification"
	"quotepush/internal/domain/quote"
	"quotepush/internal/infrastructure/postgres"
	"quotepush/internal/infrastructure/push"
	"quotepush/internal/infrastructure/push/webpush"
	"quotepush/internal/shared/auth"
	"quotepush/internal/shared/config"
	"quotepush/internal/shared/logging"
	"quotepush/internal/shared/messages"
)

const usage = `QuotePush Admin CLI - Management commands for the QuotePush API

Usage:
  admin <command> [options]

Commands:
  migrate            Apply database migrations (--status to list them)
  vapid-keys         Generate a VAPID key pair for web push
  hash-key           Generate or hash a service key for SERVICE_KEY_HASH
  issue-token        Issue a user JWT
  deactivate-token   Mark a push token inactive
  send-test          Send a test notification to one or more users
  create-store       Onboard a retail partner storefront
  expire-requests    Expire open quote requests past their deadline

Examples:
  # Apply pending migrations
  admin migrate

  # Generate a service key and its bcrypt hash
  admin hash-key

  # Issue a token valid for one hour
  admin issue-token --user-id=7c9e6679 --ttl=1h

  # Send a test push to two users, web push only
  admin send-test --user-id=7c9e6679,550e8400 --kind=web-push

  # Register a store owned by a partner account
  admin create-store --owner-id=550e8400 --name="Phone Mart Gangnam"
`

var logger *slog.Logger

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	logger = logging.Setup(os.Getenv("LOG_LEVEL"))

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate(os.Args[2:])
	case "vapid-keys":
		runVAPIDKeys()
	case "hash-key":
		runHashKey(os.Args[2:])
	case "issue-token":
		runIssueToken(os.Args[2:])
	case "deactivate-token":
		runDeactivateToken(os.Args[2:])
	case "send-test":
		runSendTest(os.Args[2:])
	case "expire-requests":
		runExpireRequests(os.Args[2:])
	case "create-store":
		runCreateStore(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage)
		os.Exit(1)
	}
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func newFlagSet(name, synopsis string, examples ...string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Printf("Usage: admin %s [options]\n\n%s\n\nOptions:\n", name, synopsis)
		fs.PrintDefaults()
		if len(examples) > 0 {
			fmt.Println("\nExamples:")
			for _, e := range examples {
				fmt.Println("  " + e)
			}
		}
	}
	return fs
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}
	return cfg
}

func connect(cfg *config.Config) *postgres.DB {
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		fatal("failed to connect to database", err)
	}
	logger.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.DBName)
	return db
}

func withTimeout(raw string) (context.Context, context.CancelFunc) {
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		fatal("invalid timeout", err)
	}
	return context.WithTimeout(context.Background(), timeout)
}

func splitIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runMigrate(args []string) {
	fs := newFlagSet("migrate", "Apply embedded database migrations.", "admin migrate", "admin migrate --status")
	status := fs.Bool("status", false, "Print migration status instead of applying")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	db := connect(cfg)
	defer db.Close()

	if *status {
		if err := postgres.MigrationStatus(db.DB); err != nil {
			fatal("failed to read migration status", err)
		}
		return
	}
	if err := postgres.Migrate(db.DB); err != nil {
		fatal("migration failed", err)
	}
	logger.Info("migrations applied")
}

func runVAPIDKeys() {
	pub, priv, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		fatal("failed to generate VAPID keys", err)
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", priv)
}

func runHashKey(args []string) {
	fs := newFlagSet("hash-key", "Hash a service key. A random key is generated when --key is omitted.",
		"admin hash-key", "admin hash-key --key=$SERVICE_KEY")
	key := fs.String("key", "", "Existing key to hash")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *key == "" {
		generated, err := auth.GenerateKey()
		if err != nil {
			fatal("failed to generate key", err)
		}
		*key = generated
		fmt.Printf("SERVICE_KEY=%s\n", generated)
	}

	hash, err := auth.HashKey(*key)
	if err != nil {
		fatal("failed to hash key", err)
	}
	fmt.Printf("SERVICE_KEY_HASH=%s\n", hash)
}

func runIssueToken(args []string) {
	fs := newFlagSet("issue-token", "Issue a signed user JWT with JWT_SECRET.",
		"admin issue-token --user-id=7c9e6679", "admin issue-token --user-id=7c9e6679 --ttl=1h")
	userID := fs.String("user-id", "", "User ID to put in the subject claim")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userID == "" {
		fmt.Println("Error: --user-id is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	token, err := auth.NewJWT(cfg.Auth.JWTSecret).Generate(*userID, *ttl)
	if err != nil {
		fatal("failed to issue token", err)
	}
	fmt.Println(token)
}

func runDeactivateToken(args []string) {
	fs := newFlagSet("deactivate-token", "Mark every row holding a push address inactive.",
		"admin deactivate-token --kind=expo --token='ExponentPushToken[abc]'")
	kindStr := fs.String("kind", "", "Token kind (web-push, fcm, expo)")
	token := fs.String("token", "", "Token or web push endpoint")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	kind, err := notification.ParseKind(*kindStr)
	if err != nil || *token == "" {
		fmt.Println("Error: --kind and --token are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	db := connect(cfg)
	defer db.Close()

	svc := notification.NewService(postgres.NewTokenRepository(db), logger)
	n, err := svc.DeactivateTokens(context.Background(), []notification.TokenRef{{Kind: kind, Token: *token}})
	if err != nil {
		fatal("failed to deactivate token", err)
	}
	fmt.Printf("Deactivated %d row(s)\n", n)
}

func runSendTest(args []string) {
	fs := newFlagSet("send-test", "Dispatch a test notification to the active tokens of the given users.",
		"admin send-test --user-id=7c9e6679", "admin send-test --user-id=7c9e6679 --kind=fcm --title=Hi --body=Hello")
	userIDStr := fs.String("user-id", "", "User ID(s) (comma-separated for multiple)")
	kindStr := fs.String("kind", "", "Restrict to one kind (web-push, fcm, expo)")
	title := fs.String("title", "", "Title override")
	body := fs.String("body", "", "Body override")
	timeoutStr := fs.String("timeout", "1m", "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	userIDs := splitIDs(*userIDStr)
	if len(userIDs) == 0 {
		fmt.Println("Error: --user-id is required")
		fs.Usage()
		os.Exit(1)
	}

	var kinds []notification.Kind
	if *kindStr != "" {
		kind, err := notification.ParseKind(*kindStr)
		if err != nil {
			fatal("invalid kind", err)
		}
		kinds = []notification.Kind{kind}
	}

	cfg := loadConfig()
	msgs, err := messages.Load(cfg.Messages.Path)
	if err != nil {
		fatal("failed to load messages", err)
	}
	text := msgs.TestPush
	if *title != "" {
		text.Title = *title
	}
	if *body != "" {
		text.Body = *body
	}

	ctx, cancel := withTimeout(*timeoutStr)
	defer cancel()

	db := connect(cfg)
	defer db.Close()

	channels, err := push.NewChannels(ctx, cfg, logger)
	if err != nil {
		fatal("failed to initialize push channels", err)
	}
	svc := notification.NewService(postgres.NewTokenRepository(db), logger, channels.List...)

	result, err := svc.Dispatch(ctx, notification.DispatchRequest{
		UserIDs:      userIDs,
		Kinds:        kinds,
		Notification: notification.Payload{Title: text.Title, Body: text.Body},
		Data:         map[string]string{notification.DataType: "test"},
	})
	if errors.Is(err, notification.ErrNoRecipients) {
		fmt.Println("No active tokens for the given users")
		return
	}
	if err != nil {
		fatal("dispatch failed", err)
	}

	fmt.Printf("\nSent: %d  Failed: %d  Deactivated: %d\n", result.Sent, result.Failed, result.Deactivated)
	for _, r := range result.Results {
		status := "ok"
		if !r.Success {
			status = "FAILED " + r.Error
		}
		fmt.Printf("  %-8s %-10s %s  %s\n", r.UserID, r.Kind, truncate(r.Token, 32), status)
	}
}

func runExpireRequests(args []string) {
	fs := newFlagSet("expire-requests", "Expire open quote requests whose deadline has passed.", "admin expire-requests")
	timeoutStr := fs.String("timeout", "5m", "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	db := connect(cfg)
	defer db.Close()

	ctx, cancel := withTimeout(*timeoutStr)
	defer cancel()

	n, err := newQuoteService(cfg, db).ExpireStale(ctx, time.Now())
	if err != nil {
		fatal("failed to expire requests", err)
	}
	fmt.Printf("Expired %d request(s)\n", n)
}

func runCreateStore(args []string) {
	fs := newFlagSet("create-store", "Register a storefront owned by a partner account.",
		`admin create-store --owner-id=550e8400 --name="Phone Mart Gangnam"`)
	ownerID := fs.String("owner-id", "", "User ID of the store owner")
	name := fs.String("name", "", "Display name shown on quotes")
	timeoutStr := fs.String("timeout", "30s", "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *ownerID == "" || *name == "" {
		fmt.Println("Error: --owner-id and --name are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	db := connect(cfg)
	defer db.Close()

	ctx, cancel := withTimeout(*timeoutStr)
	defer cancel()

	store, err := newQuoteService(cfg, db).CreateStore(ctx, quote.CreateStoreParams{OwnerID: *ownerID, Name: *name})
	if err != nil {
		fatal("failed to create store", err)
	}
	fmt.Printf("STORE_ID=%s\n", store.ID)
}

func newQuoteService(cfg *config.Config, db *postgres.DB) *quote.Service {
	return quote.NewService(postgres.NewQuoteRepository(db), nil, quote.Config{
		RequestCooldown: cfg.Quote.RequestCooldown,
		RequestTTL:      cfg.Quote.RequestTTL,
	}, logger)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
