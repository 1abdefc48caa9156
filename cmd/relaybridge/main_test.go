package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/api"
	"github.com/nerrad567/gray-logic-relay/internal/bridges/relay"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("RELAYBRIDGE_CONFIG", "")
		if got := getConfigPath(); got != defaultConfigPath {
			t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv("RELAYBRIDGE_CONFIG", "/etc/relaybridge/config.yaml")
		if got := getConfigPath(); got != "/etc/relaybridge/config.yaml" {
			t.Errorf("getConfigPath() = %q", got)
		}
	})
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("RELAYBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading configuration") {
		t.Errorf("run() error = %v", err)
	}
}

func TestRun_MissingRelayConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "relaybridge-test"
  qos: 1
  topic_prefix: "signalk"

api:
  enabled: false

logging:
  level: error
  format: text
  output: stderr

relay:
  config_file: "` + filepath.Join(dir, "missing-relay.yaml") + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("RELAYBRIDGE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when the relay config is missing")
	}
	if !strings.Contains(err.Error(), "loading relay config") {
		t.Errorf("run() error = %v", err)
	}
}

type stateCall struct {
	key    string
	state  int
	origin string
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []stateCall
}

func (o *recordingObserver) SwitchStateChanged(key string, state int, origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, stateCall{key, state, origin})
}

func TestStateObservers_FanOut(t *testing.T) {
	first := &recordingObserver{}
	second := &recordingObserver{}
	observers := stateObservers{first, second}

	observers.SwitchStateChanged("A.1", 1, relay.OriginDevice)
	observers.SwitchStateChanged("A.2", 0, relay.OriginBus)

	want := []stateCall{
		{"A.1", 1, relay.OriginDevice},
		{"A.2", 0, relay.OriginBus},
	}
	for name, obs := range map[string]*recordingObserver{"first": first, "second": second} {
		if len(obs.calls) != len(want) {
			t.Fatalf("%s observer got %d calls, want %d", name, len(obs.calls), len(want))
		}
		for i := range want {
			if obs.calls[i] != want[i] {
				t.Errorf("%s observer call %d = %+v, want %+v", name, i, obs.calls[i], want[i])
			}
		}
	}
}

func TestStateObservers_OrNil(t *testing.T) {
	var empty stateObservers
	if empty.orNil() != nil {
		t.Error("orNil() on empty observers should be a nil interface")
	}

	one := stateObservers{&recordingObserver{}}
	if one.orNil() == nil {
		t.Error("orNil() should return the observers when non-empty")
	}
}

func TestMQTTBusAdapter_Disconnected(t *testing.T) {
	adapter := &mqttBusAdapter{client: &mqtt.Client{}}

	var _ relay.MQTTClient = adapter
	var _ relay.HealthPublisher = adapter

	if adapter.IsConnected() {
		t.Error("IsConnected() should be false before connecting")
	}
	if err := adapter.Publish("signalk/delta", []byte("{}"), 1, false); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Publish() = %v, want ErrNotConnected", err)
	}
}

// stubCheck records the order checks run in.
type stubCheck struct {
	name string
	err  error
	ran  *[]string
}

func (c stubCheck) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	*c.ran = append(*c.ran, c.name)
	return c.err
}

func TestHealthCheck(t *testing.T) {
	errLocked := errors.New("database is locked")

	tests := []struct {
		name    string
		failing map[string]error
		wantRan []string
		wantErr error
	}{
		{"all passing", nil, []string{"api", "database", "mqtt"}, nil},
		{"stops at first failure", map[string]error{"database": errLocked}, []string{"api", "database"}, errLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran []string
			checks := map[string]api.HealthChecker{}
			for _, name := range []string{"mqtt", "api", "database"} {
				checks[name] = stubCheck{name: name, err: tt.failing[name], ran: &ran}
			}

			err := healthCheck(context.Background(), checks)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("healthCheck() = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !strings.HasPrefix(err.Error(), "database health check:") {
				t.Errorf("error = %q, want the failing check named", err)
			}
			if strings.Join(ran, ",") != strings.Join(tt.wantRan, ",") {
				t.Errorf("ran = %v, want %v", ran, tt.wantRan)
			}
		})
	}
}

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

type recordingWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *recordingWriter) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{measurement, tags, fields})
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

type staticStatuses []relay.ModuleStatus

func (s staticStatuses) ModuleStatuses() []relay.ModuleStatus { return s }

func TestWriteModuleTelemetry(t *testing.T) {
	w := &recordingWriter{}
	writeModuleTelemetry(w, staticStatuses{
		{ID: "A", Scheme: "tcp", Operating: true, Connected: true, FramesRx: 12, CommandsTx: 3, Failures: 1},
		{ID: "H", Scheme: "tcp"},
		{ID: "U", Scheme: "usb", Operating: true, Errors: 2},
	})

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2 (non-operating modules skipped)", len(w.points))
	}

	a := w.points[0]
	if a.measurement != moduleMeasurement || a.tags["module"] != "A" || a.tags["scheme"] != "tcp" {
		t.Errorf("point A = %+v", a)
	}
	if a.fields["connected"] != true || a.fields["frames_rx"] != int64(12) ||
		a.fields["commands_tx"] != int64(3) || a.fields["failures"] != int64(1) {
		t.Errorf("point A fields = %v", a.fields)
	}

	u := w.points[1]
	if u.tags["module"] != "U" || u.fields["connected"] != false || u.fields["errors"] != int64(2) {
		t.Errorf("point U = %+v", u)
	}
}

func TestRunModuleTelemetry(t *testing.T) {
	w := &recordingWriter{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		runModuleTelemetry(ctx, w, staticStatuses{{ID: "A", Operating: true}}, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runModuleTelemetry did not return after cancel")
	}
	if w.count() < 2 {
		t.Errorf("points = %d, want at least 2 ticks", w.count())
	}
}
