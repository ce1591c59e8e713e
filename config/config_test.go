package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mevdschee/tqrouter/router"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
[proxy]
listen = :4007
metrics = :9091

[cluster]
master = 10.0.0.1:3306
replica1 = 10.0.0.2:3306
replica2 = 10.0.0.3:3306
user = app
password = secret

[routing]
slave_selection_criteria = lowest_lag
master_failure_mode = fail_instantly
max_replication_lag = 5
master_reconnection = true
master_accept_reads = true
max_sescmd_history = 25
causal_reads = true
causal_reads_timeout = 3
connection_keepalive = 60
strict_multi_stmt = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":4007" || cfg.Metrics != ":9091" {
		t.Errorf("proxy section = %s / %s", cfg.Listen, cfg.Metrics)
	}
	if cfg.Cluster.Master != "10.0.0.1:3306" {
		t.Errorf("master = %s", cfg.Cluster.Master)
	}
	if len(cfg.Cluster.Replicas) != 2 || cfg.Cluster.Replicas[1] != "10.0.0.3:3306" {
		t.Errorf("replicas = %v", cfg.Cluster.Replicas)
	}
	if cfg.Cluster.User != "app" || cfg.Cluster.Password != "secret" {
		t.Errorf("credentials = %s / %s", cfg.Cluster.User, cfg.Cluster.Password)
	}

	r := cfg.Routing
	if r.Criteria != router.LowestLag {
		t.Errorf("Criteria = %v", r.Criteria)
	}
	if r.FailureMode != router.FailInstantly {
		t.Errorf("FailureMode = %v", r.FailureMode)
	}
	if r.MaxLag != 5 || !r.MasterReconnection || !r.MasterAcceptReads {
		t.Errorf("routing = %+v", r)
	}
	if r.MaxSescmdHistory != 25 {
		t.Errorf("MaxSescmdHistory = %d", r.MaxSescmdHistory)
	}
	if !r.CausalReads || r.CausalTimeout != 3 {
		t.Errorf("causal reads = %v / %d", r.CausalReads, r.CausalTimeout)
	}
	if r.Keepalive != 60*time.Second {
		t.Errorf("Keepalive = %v", r.Keepalive)
	}
	if !r.StrictMultiStmt {
		t.Errorf("StrictMultiStmt should be enabled")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[cluster]
master = 10.0.0.1:3306
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":4006" {
		t.Errorf("default listen = %s", cfg.Listen)
	}
	r := cfg.Routing
	if r.Criteria != router.RoundRobin {
		t.Errorf("default Criteria = %v", r.Criteria)
	}
	if r.FailureMode != router.ErrorOnWrite {
		t.Errorf("default FailureMode = %v", r.FailureMode)
	}
	if r.MaxLag != -1 {
		t.Errorf("default MaxLag = %d", r.MaxLag)
	}
	if r.MaxSescmdHistory != 50 {
		t.Errorf("default MaxSescmdHistory = %d", r.MaxSescmdHistory)
	}
	if r.Keepalive != 300*time.Second {
		t.Errorf("default Keepalive = %v", r.Keepalive)
	}
}

func TestLoad_RejectsUnknownValues(t *testing.T) {
	path := writeConfig(t, `
[routing]
slave_selection_criteria = random
`)
	if _, err := Load(path); err == nil {
		t.Errorf("unknown slave_selection_criteria should be rejected")
	}

	path = writeConfig(t, `
[routing]
master_failure_mode = panic
`)
	if _, err := Load(path); err == nil {
		t.Errorf("unknown master_failure_mode should be rejected")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[cluster]
master = 10.0.0.1:3306
user = app
`)

	t.Setenv("TQROUTER_MASTER", "10.9.9.9:3306")
	t.Setenv("TQROUTER_USER", "override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.Master != "10.9.9.9:3306" {
		t.Errorf("env override master = %s", cfg.Cluster.Master)
	}
	if cfg.Cluster.User != "override" {
		t.Errorf("env override user = %s", cfg.Cluster.User)
	}
}
