package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults, not a loaded file")
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].Channels[0].Name != "Channel_1" {
		t.Fatalf("expected default single channel, got %+v", cfg.Connections)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

const fullConfig = `
environment: STAGING
login:
  userName: trader
  applicationId: "256"
  position: 10.0.0.1/host
serviceIdBase: 40000
connections:
  - name: Connection_1
    loginTimeout: 3s
    warmStandby:
      startingChannel: Channel_2
    channels:
      - name: Channel_1
        url: ws://primary:14002/stream
        rateLimit: 200
        burst: 20
      - name: Channel_2
        url: ws://backup:14002/stream
        pingInterval: 15s
  - name: Connection_2
    channels:
      - name: Channel_3
        url: wss://remote/stream
        maxAttempts: 5
serviceLists:
  - name: SVG1
    services: [DIRECT_FEED, " DIRECT_FEED_2 "]
recovery:
  workers: 2
  queue: 64
items:
  - name: IBM.N
    serviceList: SVG1
  - names: [TRI.N, MSFT.O]
    service: DIRECT_FEED
    domain: marketbyprice
    snapshot: true
eventbus:
  bufferSize: 128
  fanoutWorkers: 2
apiServer:
  addr: " :8880 "
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-router
  enableMetrics: true
`

func TestLoadFromYAML(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.Connections[0].LoginTimeout != 3*time.Second {
		t.Fatalf("expected login timeout 3s, got %s", cfg.Connections[0].LoginTimeout)
	}
	if cfg.Eventbus.FanoutWorkerCount() != 2 {
		t.Fatalf("expected fanout workers 2, got %d", cfg.Eventbus.FanoutWorkerCount())
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("expected trimmed api server addr, got %q", cfg.APIServer.Addr)
	}
	if got := cfg.ServiceLists[0].Services[1]; got != "DIRECT_FEED_2" {
		t.Fatalf("expected trimmed list member, got %q", got)
	}

	sc := cfg.Session()
	if len(sc.Channels) != 3 {
		t.Fatalf("expected 3 session channels, got %d", len(sc.Channels))
	}
	if sc.Channels[2].Name != "Channel_3" || sc.Channels[2].Connection != "Connection_2" {
		t.Fatalf("unexpected third channel %+v", sc.Channels[2])
	}
	if sc.Channels[1].LoginTimeout != 3*time.Second {
		t.Fatalf("expected connection login timeout on channel, got %s", sc.Channels[1].LoginTimeout)
	}
	if len(sc.WarmStandby) != 1 || sc.WarmStandby[0].Starting != "Channel_2" || len(sc.WarmStandby[0].Channels) != 2 {
		t.Fatalf("unexpected warm standby groups %+v", sc.WarmStandby)
	}
	if sc.ServiceIDBase != 40000 || sc.RecoveryWorkers != 2 || sc.RecoveryQueue != 64 {
		t.Fatalf("unexpected session sizing %+v", sc)
	}
	if sc.Login.ApplicationID != "256" || sc.LoginName != "trader" {
		t.Fatalf("unexpected login %+v", sc.Login)
	}

	chans := cfg.WebsocketChannels()
	if len(chans) != 3 {
		t.Fatalf("expected 3 websocket channels, got %d", len(chans))
	}
	if chans[0].WS.RateLimit != 200 || chans[0].WS.Burst != 20 {
		t.Fatalf("unexpected rate settings %+v", chans[0].WS)
	}
	if chans[1].WS.PingInterval != 15*time.Second || chans[2].WS.MaxAttempts != 5 {
		t.Fatalf("unexpected channel settings %+v %+v", chans[1].WS, chans[2].WS)
	}

	first, err := cfg.Items[0].Request()
	if err != nil {
		t.Fatalf("item request: %v", err)
	}
	if first.Service.List != "SVG1" || first.Domain != schema.DomainMarketPrice || !first.Streaming {
		t.Fatalf("unexpected first item request %+v", first)
	}
	batch, err := cfg.Items[1].Request()
	if err != nil {
		t.Fatalf("batch request: %v", err)
	}
	if len(batch.Names) != 2 || batch.Domain != schema.DomainMarketByPrice || batch.Streaming {
		t.Fatalf("unexpected batch request %+v", batch)
	}

	tel := cfg.TelemetryConfig()
	if !tel.Enabled || tel.ServiceName != "test-router" || tel.Environment != "staging" {
		t.Fatalf("unexpected telemetry config %+v", tel)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "environment",
			body: "environment: qa\nconnections:\n  - channels:\n      - {name: A, url: ws://a}\n",
			want: "environment must be one of",
		},
		{
			name: "no connections",
			body: "environment: dev\n",
			want: "at least one connection",
		},
		{
			name: "missing url",
			body: "connections:\n  - channels:\n      - {name: A}\n",
			want: "url required",
		},
		{
			name: "duplicate channel",
			body: "connections:\n  - channels:\n      - {name: A, url: ws://a}\n  - channels:\n      - {name: A, url: ws://b}\n",
			want: "duplicate channel name",
		},
		{
			name: "starting channel outside group",
			body: "connections:\n  - warmStandby: {startingChannel: B}\n    channels:\n      - {name: A, url: ws://a}\n  - channels:\n      - {name: B, url: ws://b}\n",
			want: "is not a member",
		},
		{
			name: "empty service list",
			body: "connections:\n  - channels:\n      - {name: A, url: ws://a}\nserviceLists:\n  - {name: SVG1, services: [\" \"]}\n",
			want: "services required",
		},
		{
			name: "unknown item domain",
			body: "connections:\n  - channels:\n      - {name: A, url: ws://a}\nitems:\n  - {name: IBM.N, service: X, domain: Quotes}\n",
			want: "unknown domain",
		},
		{
			name: "bad fanout",
			body: "connections:\n  - channels:\n      - {name: A, url: ws://a}\neventbus:\n  fanoutWorkers: many\n",
			want: "fanoutWorkers: invalid value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFanoutWorkersAuto(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t,
		"connections:\n  - channels:\n      - {name: A, url: ws://a}\neventbus:\n  fanoutWorkers: auto\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	expected := runtime.NumCPU()
	if expected <= 0 {
		expected = defaultFanoutWorkers
	}
	if workers := cfg.Eventbus.FanoutWorkerCount(); workers != expected {
		t.Fatalf("expected fanout workers %d, got %d", expected, workers)
	}
	if mem := cfg.Eventbus.Memory(); mem.BufferSize != 64 || mem.FanoutWorkers != expected {
		t.Fatalf("unexpected memory bus config %+v", mem)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("Load example failed: %v", err)
	}
	if len(cfg.Session().Channels) != 3 {
		t.Fatalf("expected 3 channels in example, got %d", len(cfg.Session().Channels))
	}
}
