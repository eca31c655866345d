// Package cli implements the rdxcluster demo binary's subcommands: ping,
// get, set and verify against a live Redis Cluster seed node.
package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rdxcluster/internal/clustercore"
	"rdxcluster/internal/comparator"
	"rdxcluster/internal/config"
	"rdxcluster/internal/dispatch"
	"rdxcluster/internal/hostkey"
	"rdxcluster/internal/logger"
	"rdxcluster/internal/rerror"
	"rdxcluster/internal/transport"
)

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[rdxcluster] ")

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "ping":
		return runPing(args[1:])
	case "get":
		return runGet(args[1:])
	case "set":
		return runSet(args[1:])
	case "verify":
		return runVerify(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("rdxcluster 0.1.0-dev")
		return 0
	default:
		log.Printf("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	binary := filepath.Base(os.Args[0])
	fmt.Printf(`rdxcluster - sharded cluster client demo

Usage:
  %[1]s <command> [options]

Available commands:
  ping     Dispatch PING through the cluster router
  get      GET a key through the cluster router
  set      SET a key through the cluster router
  verify   Cross-check a key against a plain go-redis read at the seed
  help     Show this help
  version  Show version info

Examples:
  %[1]s get --config demo.yaml --key foo
  %[1]s set --config demo.yaml --key foo --value bar
  %[1]s verify --config demo.yaml --key foo --expected bar
`, binary)
}

func loadConfigAndLogger(fs *flag.FlagSet, args []string) (*config.Config, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&configPath, "c", "", "Configuration file path (YAML)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if configPath == "" {
		fs.Usage()
		return nil, fmt.Errorf("the --config flag is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LogDir, parseLogLevel(cfg.LogLevel), cfg.LogFilePrefix); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.SetOutput(logger.Writer())
	return cfg, nil
}

func parseLogLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func errorToExitCode(err error) int {
	if err == flag.ErrHelp {
		return 0
	}
	log.Printf("command failed: %v", err)
	return 1
}

// clusterSession bundles the loop, wrapped transport and Cluster that
// back every subcommand's single round-trip.
type clusterSession struct {
	loop    *dispatch.Loop
	cluster *clustercore.Cluster
	done    chan struct{}
}

func startSession(cfg *config.Config) (*clusterSession, error) {
	host, portStr, err := cfg.SeedHostPort()
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("config: seed port %q: %w", portStr, err)
	}
	seed := hostkey.Key{IP: host, Port: uint16(port)}

	loop := dispatch.NewLoop(256)
	go loop.Run()

	tr := transport.NewTCPConnector(cfg.DialTimeout)
	tr.LogInfo = func(s string) { logger.Info("%s", s) }
	tr.LogDebug = func(s string) { logger.Debug("%s", s) }
	wrapped := transport.Serialize(tr, loop.Post)

	cl := clustercore.New(wrapped)
	cl.SetLogWriter(func(s string) { logger.Info("%s", s) }, func(s string) { logger.Debug("%s", s) })

	done := make(chan struct{})
	loop.Post(func() {
		cl.Init(seed)
		cl.SetTimerInterval(cfg.TimerInterval)
		cl.Start()
	})

	go tickLoop(loop, cl, done)

	return &clusterSession{loop: loop, cluster: cl, done: done}, nil
}

func tickLoop(loop *dispatch.Loop, cl *clustercore.Cluster, done chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			loop.Post(func() { cl.Proc(now) })
		case <-done:
			return
		}
	}
}

func (s *clusterSession) Close() {
	close(s.done)
	s.loop.Stop()
}

// execResult is how a posted ExecArgs callback reports back across the
// loop/main-goroutine boundary.
type execResult struct {
	kind  rerror.Kind
	reply *transport.Reply
	err   error
}

func (s *clusterSession) exec(key []byte, argv [][]byte, timeout time.Duration) (execResult, error) {
	resCh := make(chan execResult, 1)
	s.loop.Post(func() {
		if err := s.cluster.ExecArgs(key, argv, func(kind rerror.Kind, reply *transport.Reply, err error, _ any) {
			resCh <- execResult{kind: kind, reply: reply, err: err}
		}, nil); err != nil {
			resCh <- execResult{kind: rerror.Unknown, err: err}
		}
	})

	select {
	case res := <-resCh:
		return res, nil
	case <-time.After(timeout):
		return execResult{}, fmt.Errorf("cli: command timed out after %s", timeout)
	}
}

func replyString(r *transport.Reply) string {
	if r == nil {
		return "(nil)"
	}
	switch r.Type {
	case transport.ReplyNil:
		return "(nil)"
	case transport.ReplyStatus:
		return r.Status
	case transport.ReplyBulk:
		return string(r.Bulk)
	case transport.ReplyInteger:
		return strconv.FormatInt(r.Integer, 10)
	case transport.ReplyArray:
		parts := make([]string, len(r.Array))
		for i, e := range r.Array {
			parts[i] = replyString(e)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return ""
	}
}

func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	cfg, err := loadConfigAndLogger(fs, args)
	if err != nil {
		return errorToExitCode(err)
	}
	defer logger.Close()

	sess, err := startSession(cfg)
	if err != nil {
		log.Printf("failed to start session: %v", err)
		return 1
	}
	defer sess.Close()

	res, err := sess.exec(nil, [][]byte{[]byte("PING")}, cfg.DialTimeout+5*time.Second)
	if err != nil {
		log.Printf("ping failed: %v", err)
		return 1
	}
	if res.kind != rerror.Ok {
		log.Printf("ping failed: %v", res.err)
		return 1
	}
	fmt.Println(replyString(res.reply))
	return 0
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var key string
	fs.StringVar(&key, "key", "", "Key to fetch")
	cfg, err := loadConfigAndLogger(fs, args)
	if err != nil {
		return errorToExitCode(err)
	}
	defer logger.Close()
	if key == "" {
		log.Println("the --key flag is required")
		return 2
	}

	sess, err := startSession(cfg)
	if err != nil {
		log.Printf("failed to start session: %v", err)
		return 1
	}
	defer sess.Close()

	res, err := sess.exec([]byte(key), [][]byte{[]byte("GET"), []byte(key)}, cfg.DialTimeout+5*time.Second)
	if err != nil {
		log.Printf("get failed: %v", err)
		return 1
	}
	if res.kind != rerror.Ok {
		log.Printf("get failed: %v", res.err)
		return 1
	}
	fmt.Println(replyString(res.reply))
	return 0
}

func runSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var key, value string
	fs.StringVar(&key, "key", "", "Key to set")
	fs.StringVar(&value, "value", "", "Value to set")
	cfg, err := loadConfigAndLogger(fs, args)
	if err != nil {
		return errorToExitCode(err)
	}
	defer logger.Close()
	if key == "" {
		log.Println("the --key flag is required")
		return 2
	}

	sess, err := startSession(cfg)
	if err != nil {
		log.Printf("failed to start session: %v", err)
		return 1
	}
	defer sess.Close()

	res, err := sess.exec([]byte(key), [][]byte{[]byte("SET"), []byte(key), []byte(value)}, cfg.DialTimeout+5*time.Second)
	if err != nil {
		log.Printf("set failed: %v", err)
		return 1
	}
	if res.kind != rerror.Ok {
		log.Printf("set failed: %v", res.err)
		return 1
	}
	fmt.Println(replyString(res.reply))
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var key, expected, password string
	fs.StringVar(&key, "key", "", "Key to verify")
	fs.StringVar(&expected, "expected", "", "Expected value")
	fs.StringVar(&password, "password", "", "Redis AUTH password, if any")
	cfg, err := loadConfigAndLogger(fs, args)
	if err != nil {
		return errorToExitCode(err)
	}
	defer logger.Close()
	if key == "" {
		log.Println("the --key flag is required")
		return 2
	}

	result, err := comparator.VerifyKey(comparator.Config{
		SeedAddr: cfg.Seed,
		Password: password,
		Timeout:  cfg.DialTimeout,
	}, key, expected)
	if err != nil {
		log.Printf("verify failed: %v", err)
		return 1
	}
	if !result.Match {
		fmt.Printf("MISMATCH key=%s expected=%q got=%q\n", result.Key, result.Expected, result.Got)
		return 1
	}
	fmt.Printf("OK key=%s value=%q\n", result.Key, result.Got)
	return 0
}
