// Command mpsend pushes a single event through the collector client using
// the relay's environment configuration. It is meant for checking
// credentials and payload shape by hand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/logging"
)

func main() {
	var (
		event    = flag.String("event", "page_view", "event name to send")
		params   = flag.String("params", "{}", "event parameters as a JSON object")
		clientID = flag.String("client-id", "", "client id, as found in the _ga cookie; generated when empty")
		userID   = flag.Int64("user-id", 0, "viewer id reported as user_<id>")
		timeout  = flag.Duration("timeout", 0, "request timeout, defaults to COLLECTOR_TIMEOUT_MS")
	)
	flag.Parse()

	logger := logging.New()
	settings := config.ParseSettings()
	if *timeout > 0 {
		settings.CollectorTimeout = *timeout
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(*params), &decoded); err != nil {
		logger.Error("params must be a JSON object", "error", err)
		os.Exit(2)
	}

	client := collector.NewClient(collector.Config{
		MeasurementID: settings.MeasurementID,
		APISecret:     settings.Secret(),
		BaseURL:       settings.CollectorURL,
		Timeout:       settings.CollectorTimeout,
	}, identity.NewResolver(settings.MeasurementID, logger), nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), settings.CollectorTimeout+time.Second)
	defer cancel()

	res := client.Send(ctx, *event, decoded, collector.SendContext{
		Identity: identity.Request{ClientID: *clientID},
		ViewerID: *userID,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if !res.Success {
		fmt.Fprintf(os.Stderr, "send %s failed: %s\n", *event, res.Error)
		os.Exit(1)
	}
}
