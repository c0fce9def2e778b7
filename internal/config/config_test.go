package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.IP != "0.0.0.0" || cfg.Server.Port != 8099 || cfg.Server.AdminPort != 8199 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Server.WorkerNum != 2 || cfg.Server.Region != "us-east-1" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.KV.Driver != "sqlite" || cfg.KV.SQLite.Path != "./data/shoalstore.db" {
		t.Errorf("kv defaults = %+v", cfg.KV)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  server_ip: 127.0.0.1
  server_port: 9000
  admin_port: 9001
  worker_num: 8
  region: eu-west-1
  pid_file: /tmp/shoalstore.pid
kv:
  driver: memory
logging:
  minloglevel: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.IP != "127.0.0.1" || cfg.Server.Port != 9000 || cfg.Server.AdminPort != 9001 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.WorkerNum != 8 || cfg.Server.Region != "eu-west-1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.PidFile != "/tmp/shoalstore.pid" {
		t.Errorf("pid file = %q", cfg.Server.PidFile)
	}
	if cfg.KV.Driver != "memory" {
		t.Errorf("kv driver = %q", cfg.KV.Driver)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  server_port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.IP != "0.0.0.0" || cfg.Server.AdminPort != 8199 || cfg.Server.WorkerNum != 2 {
		t.Errorf("unset fields not defaulted: %+v", cfg.Server)
	}
	if cfg.KV.Driver != "sqlite" || cfg.KV.SQLite.Path != "./data/shoalstore.db" {
		t.Errorf("kv not defaulted: %+v", cfg.KV)
	}
}

func TestLoadDriverConfigs(t *testing.T) {
	path := writeConfig(t, `
kv:
  driver: dynamodb
  dynamodb:
    region: us-west-2
    table: shoal
    endpoint_url: http://localhost:8000
  firestore:
    project_id: proj
    collection: coll
  cosmos:
    endpoint: https://acct.documents.azure.com
    database: db
    container: cont
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KV.DynamoDB == nil || cfg.KV.DynamoDB.Region != "us-west-2" ||
		cfg.KV.DynamoDB.Table != "shoal" || cfg.KV.DynamoDB.EndpointURL != "http://localhost:8000" {
		t.Errorf("dynamodb = %+v", cfg.KV.DynamoDB)
	}
	if cfg.KV.Firestore == nil || cfg.KV.Firestore.ProjectID != "proj" || cfg.KV.Firestore.Collection != "coll" {
		t.Errorf("firestore = %+v", cfg.KV.Firestore)
	}
	if cfg.KV.Cosmos == nil || cfg.KV.Cosmos.Database != "db" || cfg.KV.Cosmos.Container != "cont" {
		t.Errorf("cosmos = %+v", cfg.KV.Cosmos)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "server: [not a map]")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestMetaAddrs(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"10.0.0.1:9221", []string{"10.0.0.1:9221"}},
		{"10.0.0.1:9221/10.0.0.2:9221/10.0.0.3:9221", []string{"10.0.0.1:9221", "10.0.0.2:9221", "10.0.0.3:9221"}},
		{" 10.0.0.1:9221 / 10.0.0.2:9221 ", []string{"10.0.0.1:9221", "10.0.0.2:9221"}},
		{"//", nil},
	}
	for _, tt := range tests {
		k := &KVConfig{MetaAddr: tt.raw}
		if got := k.MetaAddrs(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("MetaAddrs(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
