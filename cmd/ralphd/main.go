// Command ralphd is the daemon: it serves the JSON-RPC control plane (C10)
// over a Unix socket, driving loops through internal/scheduler so multiple
// clients can start, stop, and observe them without holding a terminal open.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ralphloop/ralph/internal/cloud/gcp"
	"github.com/ralphloop/ralph/internal/config"
	"github.com/ralphloop/ralph/internal/github"
	"github.com/ralphloop/ralph/internal/logging"
	"github.com/ralphloop/ralph/internal/observability"
	"github.com/ralphloop/ralph/internal/rpc"
	"github.com/ralphloop/ralph/internal/scheduler"
	"github.com/ralphloop/ralph/internal/workspace"

	_ "github.com/ralphloop/ralph/internal/agent/claude"
	_ "github.com/ralphloop/ralph/internal/agent/opencode"
)

func main() {
	cfgFile := flag.String("config", "", "path to ralphd.yaml (defaults to ~/.ralphd.yaml)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("ralphd starting")

	cfg, err := config.LoadDaemonConfig(*cfgFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudSink := gcp.NewLogger(ctx, "ralphd")
	logger := logging.New(os.Stderr, "ralphd: ", cloudSink)
	defer logger.Close()

	tracer, err := buildTracer(ctx, cfg.Langfuse, logger.StdLogger())
	if err != nil {
		logger.Warning("langfuse tracer disabled: %v", err)
		tracer = &observability.NoOpTracer{}
	}

	githubTokens, err := buildGitHubTokens(ctx, cfg.GitHub)
	if err != nil {
		logger.Warning("github app token source disabled, pushes will use ambient git credentials: %v", err)
		githubTokens = nil
	}

	loopRegPath := cfg.WorkspaceDir + "/loops.json"
	sched, err := scheduler.New(scheduler.Config{
		WorkspaceDir:       cfg.WorkspaceDir,
		MaxConcurrentLoops: cfg.MaxConcurrentLoops,
		LoopTimeoutHours:   cfg.LoopTimeoutHours,
		AgentServerBinary:  cfg.AgentServer.Binary,
		AgentServerArgs:    cfg.AgentServer.Args,
		OverlayEnabled:     cfg.ZitiIdentityPath != "",
		GitHubTokens:       githubTokens,
		Tracer:             tracer,
	}, loopRegPath)
	if err != nil {
		log.Fatalf("create scheduler: %v", err)
	}

	if err := sched.RecoverOrphans(ctx); err != nil {
		logger.Warning("orphan recovery: %v", err)
	}

	ln, err := listenUnix(cfg.SocketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	defer ln.Close()

	server := rpc.New(sched, logger.StdLogger())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal: %v, shutting down", sig)
		cancel()
	}()

	logger.Info("ralphd listening on %s", cfg.SocketPath)
	if err := server.Serve(ctx, ln); err != nil {
		logger.Error("serve: %v", err)
		os.Exit(1)
	}

	logger.Info("ralphd stopped cleanly")
}

// listenUnix binds a Unix socket at path, removing any stale socket file
// left behind by a prior, uncleanly-terminated daemon instance.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	return net.Listen("unix", path)
}

func dirOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "."
	}
	return path[:i]
}

// buildTracer resolves the Langfuse public/secret keys (each a literal or a
// "secret://NAME" GCP Secret Manager reference) and constructs a tracer.
// Returns NoOpTracer with no error when neither key is configured.
func buildTracer(ctx context.Context, cfg config.LangfuseConfig, logger *log.Logger) (observability.Tracer, error) {
	if cfg.PublicKeySecret == "" && cfg.SecretKeySecret == "" {
		return &observability.NoOpTracer{}, nil
	}

	publicKey, err := resolveSecret(ctx, cfg.PublicKeySecret)
	if err != nil {
		return nil, fmt.Errorf("resolve langfuse public key: %w", err)
	}
	secretKey, err := resolveSecret(ctx, cfg.SecretKeySecret)
	if err != nil {
		return nil, fmt.Errorf("resolve langfuse secret key: %w", err)
	}

	return observability.NewLangfuseTracer(observability.LangfuseConfig{
		PublicKey: publicKey,
		SecretKey: secretKey,
		BaseURL:   cfg.BaseURL,
	}, logger), nil
}

// buildGitHubTokens resolves the GitHub App private key (a literal PEM or a
// "secret://NAME" GCP Secret Manager reference) and constructs a token
// manager that mints short-lived installation tokens for authenticated
// pushes. Returns a nil TokenSource with no error when app_id is unset,
// which leaves workspace.NewPush to fall back to ambient git credentials.
func buildGitHubTokens(ctx context.Context, cfg config.GitHubConfig) (workspace.TokenSource, error) {
	if cfg.AppID == "" {
		return nil, nil
	}

	privateKey, err := resolveSecret(ctx, cfg.PrivateKeySecret)
	if err != nil {
		return nil, fmt.Errorf("resolve github private key: %w", err)
	}

	tokens, err := github.NewTokenManager(cfg.AppID, cfg.InstallationID, []byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("create github token manager: %w", err)
	}
	return tokens, nil
}

const secretRefPrefix = "secret://"

// resolveSecret returns value unchanged unless it carries the
// "secret://NAME" prefix, in which case it is fetched from GCP Secret
// Manager. A new client is opened per call since this only runs once at
// daemon startup.
func resolveSecret(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, secretRefPrefix)

	client, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return "", fmt.Errorf("create secret manager client: %w", err)
	}
	defer client.Close()

	return client.FetchSecret(ctx, name)
}
