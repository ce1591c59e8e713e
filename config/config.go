package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/tqrouter/router"
)

// Config holds the proxy configuration
type Config struct {
	Listen  string
	Metrics string
	Cluster ClusterConfig
	Routing router.Config
}

// ClusterConfig names the cluster members and backend credentials
type ClusterConfig struct {
	Master   string
	Replicas []string
	User     string
	Password string
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Listen:  cfg.Section("proxy").Key("listen").MustString(":4006"),
		Metrics: cfg.Section("proxy").Key("metrics").MustString(":9090"),
		Cluster: loadCluster(cfg),
	}

	routing, err := loadRouting(cfg)
	if err != nil {
		return nil, err
	}
	config.Routing = routing

	// Environment variable overrides
	if v := os.Getenv("TQROUTER_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("TQROUTER_MASTER"); v != "" {
		config.Cluster.Master = v
	}
	if v := os.Getenv("TQROUTER_USER"); v != "" {
		config.Cluster.User = v
	}
	if v := os.Getenv("TQROUTER_PASSWORD"); v != "" {
		config.Cluster.Password = v
	}

	return config, nil
}

func loadCluster(cfg *ini.File) ClusterConfig {
	sec := cfg.Section("cluster")

	cluster := ClusterConfig{
		Master:   sec.Key("master").MustString("127.0.0.1:3306"),
		User:     sec.Key("user").MustString("tqrouter"),
		Password: sec.Key("password").String(),
	}

	// Parse replicas (replica1, replica2, etc.)
	for i := 1; i <= 10; i++ {
		keyName := "replica" + strconv.Itoa(i)
		replica := sec.Key(keyName).String()
		if replica != "" {
			cluster.Replicas = append(cluster.Replicas, replica)
		}
	}

	return cluster
}

func loadRouting(cfg *ini.File) (router.Config, error) {
	sec := cfg.Section("routing")
	routing := router.DefaultConfig()

	switch v := sec.Key("slave_selection_criteria").MustString("round_robin"); v {
	case "round_robin":
		routing.Criteria = router.RoundRobin
	case "fewest_pending":
		routing.Criteria = router.FewestPending
	case "lowest_lag":
		routing.Criteria = router.LowestLag
	default:
		return routing, fmt.Errorf("unknown slave_selection_criteria %q", v)
	}

	switch v := sec.Key("master_failure_mode").MustString("error_on_write"); v {
	case "error_on_write":
		routing.FailureMode = router.ErrorOnWrite
	case "fail_instantly":
		routing.FailureMode = router.FailInstantly
	default:
		return routing, fmt.Errorf("unknown master_failure_mode %q", v)
	}

	routing.MaxLag = sec.Key("max_replication_lag").MustInt(-1)
	routing.MasterReconnection = sec.Key("master_reconnection").MustBool(false)
	routing.MasterAcceptReads = sec.Key("master_accept_reads").MustBool(false)
	routing.MaxSescmdHistory = sec.Key("max_sescmd_history").MustInt(50)
	routing.CausalReads = sec.Key("causal_reads").MustBool(false)
	routing.CausalTimeout = sec.Key("causal_reads_timeout").MustInt(10)
	routing.Keepalive = time.Duration(sec.Key("connection_keepalive").MustInt(300)) * time.Second
	routing.StrictMultiStmt = sec.Key("strict_multi_stmt").MustBool(false)

	return routing, nil
}
