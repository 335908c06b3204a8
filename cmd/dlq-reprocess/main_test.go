package main

import (
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/messaging/kafka"
)

func noEnv(string) string { return "" }

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions([]string{"-brokers", " b1:9092, ,b2:9092 "}, noEnv)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if len(opts.brokers) != 2 || opts.brokers[0] != "b1:9092" || opts.brokers[1] != "b2:9092" {
		t.Fatalf("unexpected brokers: %v", opts.brokers)
	}
	if opts.sourceTopic != kafka.TopicDeadLetterQueue || opts.targetTopic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected topics: %s -> %s", opts.sourceTopic, opts.targetTopic)
	}
	if opts.execute || opts.limit != defaultLimit || opts.idleTimeout != defaultIdleTimeout {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestParseOptionsBrokersFromEnv(t *testing.T) {
	getenv := func(key string) string {
		if key == brokersEnv {
			return "kafka:9092"
		}
		return ""
	}
	opts, err := parseOptions([]string{"-execute", "-limit", "5", "-idle-timeout", "1s"}, getenv)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if len(opts.brokers) != 1 || opts.brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers: %v", opts.brokers)
	}
	if !opts.execute || opts.limit != 5 || opts.idleTimeout != time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	cases := map[string]struct {
		args []string
		want string
	}{
		"no brokers":   {args: nil, want: "brokers are required"},
		"empty source": {args: []string{"-brokers", "b:1", "-source-topic", " "}, want: "source-topic"},
		"empty target": {args: []string{"-brokers", "b:1", "-target-topic", ""}, want: "target-topic"},
		"zero limit":   {args: []string{"-brokers", "b:1", "-limit", "0"}, want: "limit"},
		"zero idle":    {args: []string{"-brokers", "b:1", "-idle-timeout", "0s"}, want: "idle-timeout"},
		"bad flag":     {args: []string{"-unknown"}, want: "flag provided but not defined"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(tc.args, noEnv)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
