// Command fastd runs a demo Fast protocol server over TCP, registering the
// handful of worked-example methods:
// date, echo, sleep, words, yes.
// file: cmd/fastd/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dkoosis/fast/internal/config"
	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/server"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

var wordsArgSchema = mustCompileSchema(`{
	"type": "array",
	"minItems": 1,
	"maxItems": 1,
	"items": {"type": "string", "minLength": 1}
}`)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("words-args.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("words-args.json")
	if err != nil {
		panic(err)
	}
	return schema
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fastd: loading config:", err)
		os.Exit(1)
	}
	logging.SetLevel(levelFromName(settings.Log.Level))
	logger := logging.GetLogger("fastd")

	srv := server.NewServer(server.Options{Logger: logger})
	registerDemoMethods(srv, settings)

	listener, err := net.Listen("tcp", settings.GetServerAddress())
	if err != nil {
		logger.Error("listen failed", "addr", settings.GetServerAddress(), "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	go acceptLoop(ctx, listener, srv, logger, settings)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	_ = listener.Close()

	drained := make(chan struct{})
	srv.OnConnsDestroyed(func() { close(drained) })
	srv.Close()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		logger.Warn("timed out waiting for connections to drain")
	}
}

func acceptLoop(ctx context.Context, listener net.Listener, srv *server.Server, logger logging.Logger, settings *config.Settings) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", "error", err)
				return
			}
		}
		go serveConn(ctx, conn, srv, logger, settings)
	}
}

func serveConn(ctx context.Context, conn net.Conn, srv *server.Server, logger logging.Logger, settings *config.Settings) {
	defer conn.Close()
	byteConn := conn
	if settings.Server.RateLimitPerSecond > 0 {
		byteConn = rateLimitedConn{
			Conn:    conn,
			limiter: rate.NewLimiter(rate.Limit(settings.Server.RateLimitPerSecond), settings.Server.RateLimitBurst),
		}
	}
	if err := srv.Serve(ctx, byteConn); err != nil {
		logger.Warn("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

// rateLimitedConn throttles inbound reads per connection, guarding
// handlers like sleep from a client that floods requests faster than the
// server can usefully schedule them.
type rateLimitedConn struct {
	net.Conn
	limiter *rate.Limiter
}

func (c rateLimitedConn) Read(p []byte) (int, error) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func levelFromName(name string) logging.Level {
	switch strings.ToLower(name) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func registerDemoMethods(srv *server.Server, settings *config.Settings) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(srv.RegisterRPCMethod("echo", echoHandler))
	must(srv.RegisterRPCMethod("date", dateHandler))
	must(srv.RegisterRPCMethod("sleep", sleepHandler))
	must(srv.RegisterRPCMethod("words", wordsHandler))
	must(srv.RegisterRPCMethod("yes", yesHandler))
}

// echoHandler writes back one {"value": arg} item per argument, then ends.
func echoHandler(rc *server.RequestContext) {
	argv := rc.Argv()
	items := make([]interface{}, 0, len(argv))
	for i := range argv {
		var value interface{}
		if err := rc.Arg(i, &value); err != nil {
			rc.Fail(err)
			return
		}
		items = append(items, map[string]interface{}{"value": value})
	}
	for _, item := range items {
		rc.Write(item)
	}
	rc.End()
}

// dateHandler rejects any arguments, otherwise ends with one timestamp item.
func dateHandler(rc *server.RequestContext) {
	if len(rc.Argv()) != 0 {
		rc.Fail(ferrors.NewRequestError(ferrors.CodeArgumentValidation, "expected no arguments", nil, nil))
		return
	}
	now := time.Now().UTC()
	rc.End(map[string]interface{}{
		"timestamp": now.Unix(),
		"iso8601":   now.Format(time.RFC3339),
	})
}

// sleepArgs is the {ms} argument shape the sleep method expects.
type sleepArgs struct {
	MS int `json:"ms"`
}

// sleepHandler blocks for the requested duration, then ends with no items,
// demonstrating a long-running handler that never blocks its connection's
// other concurrent requests.
func sleepHandler(rc *server.RequestContext) {
	var args sleepArgs
	if err := rc.Arg(0, &args); err != nil {
		rc.Fail(err)
		return
	}
	time.Sleep(time.Duration(args.MS) * time.Millisecond)
	rc.End()
}

// wordsHandler splits its single string argument on whitespace, streaming
// one DATA item per word.
func wordsHandler(rc *server.RequestContext) {
	if err := validateAgainstSchema(wordsArgSchema, rc.Argv()); err != nil {
		rc.Fail(err)
		return
	}
	var sentence string
	if err := rc.Arg(0, &sentence); err != nil {
		rc.Fail(err)
		return
	}
	words := strings.Fields(sentence)
	for _, w := range words {
		rc.Write(w)
	}
	rc.End()
}

// yesArgs is the {value, count} argument shape the yes method expects.
type yesArgs struct {
	Value interface{} `json:"value"`
	Count int         `json:"count"`
}

const (
	yesMinCount = 1
	yesMaxCount = 10240
)

// yesHandler writes value back count times, count bounded to
// [yesMinCount, yesMaxCount].
func yesHandler(rc *server.RequestContext) {
	var args yesArgs
	if err := rc.Arg(0, &args); err != nil {
		rc.Fail(err)
		return
	}
	if args.Count < yesMinCount || args.Count > yesMaxCount {
		rc.Fail(ferrors.NewRequestError(ferrors.CodeArgumentValidation,
			fmt.Sprintf("count must be an integer in range [%d, %d]", yesMinCount, yesMaxCount),
			nil,
			map[string]interface{}{
				"foundValue": args.Count,
				"minValue":   yesMinCount,
				"maxValue":   yesMaxCount,
			}))
		return
	}

	items := make([]interface{}, args.Count)
	for i := range items {
		items[i] = map[string]interface{}{"value": args.Value}
	}
	rc.WriteBatch(items)
	rc.End()
}

// validateAgainstSchema converts a jsonschema.ValidationError into the
// protocol's request-scoped validation error shape.
func validateAgainstSchema(schema *jsonschema.Schema, argv []json.RawMessage) error {
	instances := make([]interface{}, len(argv))
	for i, raw := range argv {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return ferrors.NewRequestError(ferrors.CodeArgumentValidation, "malformed arguments", err, nil)
		}
		instances[i] = v
	}
	if err := schema.Validate(instances); err != nil {
		return ferrors.NewRequestError(ferrors.CodeArgumentValidation, "arguments do not match expected shape", err, nil)
	}
	return nil
}
