// Command elephantbot runs the elephant order-book strategy. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the application in the configured mode.
//
//	elephantbot -config config.toml
//	elephantbot encrypt-secret -out gateway.key < secret.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/elephantbot/internal/app"
	"github.com/alanyoungcy/elephantbot/internal/config"
	"github.com/alanyoungcy/elephantbot/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-secret" {
		if err := encryptSecret(os.Args[2:], os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("elephant bot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = application.Run(ctx)
	stop()
	application.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("elephant bot stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptSecret reads the gateway API secret from stdin and writes a
// password-protected keystore for gateway.api_secret_file.
func encryptSecret(args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("encrypt-secret", flag.ContinueOnError)
	out := fs.String("out", "gateway.key", "keystore file to write")
	password := fs.String("password", os.Getenv("ELEPHANT_GATEWAY_API_SECRET_PASSWORD"), "keystore password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return errors.New("password required (-password or ELEPHANT_GATEWAY_API_SECRET_PASSWORD)")
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("empty secret on stdin")
	}

	data, err := crypto.EncryptSecret(secret, *password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
	return nil
}
