// Command fastbench dials a running fastd server and drives it through the
// spec's worked end-to-end scenarios, reporting each one's outcome to the
// console.
// file: cmd/fastbench/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dkoosis/fast/internal/client"
	"github.com/dkoosis/fast/internal/config"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/resilience"
	console "github.com/dkoosis/fast/internal/testing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fastbench: loading config:", err)
		os.Exit(1)
	}
	logger := logging.GetLogger("fastbench")

	conn, err := net.DialTimeout("tcp", settings.Client.DialAddr, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fastbench: dial:", err)
		os.Exit(1)
	}

	c := client.NewClient(conn, client.Options{
		Logger:          logger,
		NRecentRequests: settings.Client.NRecentRequests,
	})
	defer c.Close()

	var breaker *resilience.CircuitBreaker
	if settings.Client.CircuitBreaker.Enabled {
		breaker = resilience.NewWithConfig(resilience.Config{
			MaxFailures:          settings.Client.CircuitBreaker.MaxFailures,
			Timeout:              settings.Client.CircuitBreaker.Timeout.AsDuration(),
			HalfOpenMaxSuccesses: settings.Client.CircuitBreaker.HalfOpenMaxSuccesses,
		})
	}

	timeout := settings.Client.DefaultTimeout.AsDuration()

	scenarios := []struct {
		name string
		run  func(ctx context.Context, c *client.Client) error
	}{
		{"echo with three strings", scenarioEcho},
		{"date no-args and with-args", scenarioDate},
		{"yes range validation", scenarioYes},
		{"concurrent interleaving", scenarioInterleaving},
		{"circuit breaker around a flaky call", func(ctx context.Context, c *client.Client) error {
			return scenarioCircuitBreaker(ctx, c, breaker)
		}},
	}

	failures := 0
	for _, s := range scenarios {
		console.SectionDivider(s.name)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.run(ctx, c)
		cancel()
		if err != nil {
			fmt.Println(console.ErrorMessage("FAIL: %s: %v", s.name, err))
			failures++
		} else {
			fmt.Println(console.SuccessMessage("PASS: %s", s.name))
		}
	}

	fmt.Println()
	if failures > 0 {
		fmt.Println(console.ErrorMessage("%d/%d scenarios failed", failures, len(scenarios)))
		os.Exit(1)
	}
	fmt.Println(console.SuccessMessage("all %d scenarios passed", len(scenarios)))
}

func drain(ctx context.Context, stream *client.ResultStream) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for {
		item, ok, err := stream.Next(ctx)
		if !ok {
			return items, err
		}
		items = append(items, item)
	}
}

func scenarioEcho(ctx context.Context, c *client.Client) error {
	stream, err := c.Rpc(ctx, "echo", []interface{}{map[string]interface{}{}, "a", "b", "c"}, client.RPCOptions{})
	if err != nil {
		return err
	}
	items, err := drain(ctx, stream)
	if err != nil {
		return err
	}
	if len(items) != 4 {
		return fmt.Errorf("expected 4 items, got %d", len(items))
	}
	return nil
}

func scenarioDate(ctx context.Context, c *client.Client) error {
	stream, err := c.Rpc(ctx, "date", nil, client.RPCOptions{})
	if err != nil {
		return err
	}
	items, err := drain(ctx, stream)
	if err != nil {
		return err
	}
	if len(items) != 1 {
		return fmt.Errorf("expected exactly 1 item, got %d", len(items))
	}

	stream, err = c.Rpc(ctx, "date", []interface{}{"unexpected"}, client.RPCOptions{})
	if err != nil {
		return err
	}
	_, err = drain(ctx, stream)
	if err == nil {
		return fmt.Errorf("expected an error for date with arguments, got none")
	}
	return nil
}

func scenarioYes(ctx context.Context, c *client.Client) error {
	stream, err := c.Rpc(ctx, "yes", []interface{}{map[string]interface{}{"value": "x", "count": 0}}, client.RPCOptions{})
	if err != nil {
		return err
	}
	if _, err := drain(ctx, stream); err == nil {
		return fmt.Errorf("expected count=0 to fail range validation")
	}

	stream, err = c.Rpc(ctx, "yes", []interface{}{map[string]interface{}{"value": "x", "count": 3}}, client.RPCOptions{})
	if err != nil {
		return err
	}
	items, err := drain(ctx, stream)
	if err != nil {
		return err
	}
	if len(items) != 3 {
		return fmt.Errorf("expected 3 items, got %d", len(items))
	}
	return nil
}

func scenarioInterleaving(ctx context.Context, c *client.Client) error {
	var wg sync.WaitGroup
	order := make(chan string, 2)

	submit := func(method string, args []interface{}) {
		defer wg.Done()
		stream, err := c.Rpc(ctx, method, args, client.RPCOptions{})
		if err != nil {
			order <- method + ":error"
			return
		}
		_, _ = drain(ctx, stream)
		order <- method
	}

	wg.Add(2)
	go submit("sleep", []interface{}{map[string]interface{}{"ms": 50}})
	go submit("echo", []interface{}{"fast"})
	wg.Wait()
	close(order)

	first := <-order
	if first != "echo" {
		return fmt.Errorf("expected echo to finish first, got %q", first)
	}
	return nil
}

func scenarioCircuitBreaker(ctx context.Context, c *client.Client, breaker *resilience.CircuitBreaker) error {
	call := func() (interface{}, error) {
		stream, err := c.Rpc(ctx, "date", []interface{}{"bad"}, client.RPCOptions{})
		if err != nil {
			return nil, err
		}
		return drain(ctx, stream)
	}

	if breaker == nil {
		_, err := call()
		if err == nil {
			return fmt.Errorf("expected the deliberately malformed call to fail")
		}
		return nil
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		if _, err := breaker.Execute(ctx, call); err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		return fmt.Errorf("expected repeated failing calls to report an error")
	}
	return nil
}
