// Command probe checks a single TON RPC endpoint from the command line:
// it normalizes the URL for the given provider family, sends the
// masterchain-info envelope and prints the classification.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/RCrewX/ton-provider-system/internal/health"
	"github.com/RCrewX/ton-provider-system/internal/limiter"
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

func main() {
	var (
		typ     = flag.String("type", "custom", "provider family (toncenter, chainstack, quicknode, orbs, onfinality, getblock, tatum, ankr, tonhub, custom)")
		network = flag.String("network", "mainnet", "network tag (mainnet or testnet)")
		apiKey  = flag.String("api-key", "", "header credential, if the family needs one")
		timeout = flag.Duration("timeout", 10*time.Second, "probe timeout")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: probe [flags] <endpoint-url>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	p := &provider.Resolved{
		Config: provider.Config{
			ID:      "probe",
			Type:    provider.Type(*typ),
			Network: provider.ParseNetwork(*network),
			RPS:     10,
			Enabled: true,
		},
		Endpoints: map[string]string{provider.APIv2: flag.Arg(0)},
		APIKey:    *apiKey,
		Key:       *apiKey,
	}

	limiters := limiter.NewSet(nil)
	limiters.Configure("probe", limiter.Config{RPS: 10, BurstSize: 10})
	checker := health.NewChecker(health.CheckerConfig{ProbeTimeout: *timeout}, limiters, nil, nil)

	res := checker.Probe(context.Background(), p)

	fmt.Printf("status:  %s\n", res.Status)
	if res.Seqno != nil {
		fmt.Printf("seqno:   %d\n", *res.Seqno)
	}
	if res.LatencyMs != nil {
		fmt.Printf("latency: %dms\n", *res.LatencyMs)
	}
	if res.Error != "" {
		fmt.Printf("error:   %s\n", res.Error)
	}

	if !res.Success {
		os.Exit(1)
	}
}
