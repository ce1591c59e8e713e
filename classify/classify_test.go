package classify

import (
	"testing"
)

func TestClassify_Target(t *testing.T) {
	tests := []struct {
		query    string
		expected Target
	}{
		{"SELECT * FROM users", TargetSlave},
		{"select id from users", TargetSlave},
		{"SHOW TABLES", TargetSlave},
		{"DO SLEEP(1)", TargetSlave},
		{"INSERT INTO users (name) VALUES ('test')", TargetMaster},
		{"UPDATE users SET name = 'test'", TargetMaster},
		{"DELETE FROM users WHERE id = 1", TargetMaster},
		{"CREATE TABLE t (id INT)", TargetMaster},
		{"TRUNCATE users", TargetMaster},
		{"SET NAMES utf8mb4", TargetAll},
		{"USE shop", TargetAll},
		{"PREPARE s1 FROM 'SELECT 1'", TargetAll},
		{"DEALLOCATE PREPARE s1", TargetAll},
		{"LOCK TABLES users WRITE", TargetAll},
		{"BEGIN", TargetMaster},
		{"START TRANSACTION", TargetMaster},
		{"START TRANSACTION READ ONLY", TargetSlave},
		{"COMMIT", TargetMaster},
		{"ROLLBACK", TargetMaster},
		{"SELECT * FROM users FOR UPDATE", TargetMaster},
		{"SELECT * FROM users LOCK IN SHARE MODE", TargetMaster},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			info := Classify(tt.query)
			if info.Target != tt.expected {
				t.Errorf("Classify(%q).Target = %v, want %v", tt.query, info.Target, tt.expected)
			}
		})
	}
}

func TestClassify_SessionWrite(t *testing.T) {
	tests := []struct {
		query    string
		expected bool
	}{
		{"SET autocommit = 0", true},
		{"USE shop", true},
		{"PREPARE s1 FROM 'SELECT 1'", true},
		{"GRANT SELECT ON shop.* TO 'bob'", true},
		{"SELECT 1", false},
		{"UPDATE users SET name = 'x'", false},
		{"BEGIN", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			info := Classify(tt.query)
			if info.SessionWrite != tt.expected {
				t.Errorf("Classify(%q).SessionWrite = %v, want %v", tt.query, info.SessionWrite, tt.expected)
			}
		})
	}
}

func TestClassify_TransactionBoundaries(t *testing.T) {
	if info := Classify("BEGIN"); !info.BeginsTrx {
		t.Errorf("BEGIN should set BeginsTrx")
	}
	if info := Classify("START TRANSACTION READ ONLY"); !info.BeginsTrx || !info.StartsReadOnly {
		t.Errorf("START TRANSACTION READ ONLY should set BeginsTrx and StartsReadOnly")
	}
	if info := Classify("COMMIT"); !info.EndsTrx {
		t.Errorf("COMMIT should set EndsTrx")
	}
	if info := Classify("ROLLBACK WORK"); !info.EndsTrx {
		t.Errorf("ROLLBACK should set EndsTrx")
	}
}

func TestClassify_Hints(t *testing.T) {
	info := Classify("/* route:replica2 */ SELECT * FROM users")
	if info.Target != TargetNamed {
		t.Errorf("route hint should yield TargetNamed, got %v", info.Target)
	}
	if info.Name != "replica2" {
		t.Errorf("route hint name = %q, want %q", info.Name, "replica2")
	}
	if info.SQL != "SELECT * FROM users" {
		t.Errorf("hint comment should be stripped, got %q", info.SQL)
	}

	info = Classify("/* maxlag:5 */ SELECT * FROM users")
	if info.Target != TargetLagMax {
		t.Errorf("maxlag hint should yield TargetLagMax, got %v", info.Target)
	}
	if info.MaxLag != 5 {
		t.Errorf("MaxLag = %d, want 5", info.MaxLag)
	}

	info = Classify("/* ttl:60 */ SELECT * FROM users")
	if info.TTL != 60 {
		t.Errorf("TTL = %d, want 60", info.TTL)
	}
	if info.Target != TargetSlave {
		t.Errorf("ttl hint alone should not change the target, got %v", info.Target)
	}

	// Hints never override session writes.
	info = Classify("/* route:replica1 */ SET NAMES utf8")
	if info.Target != TargetAll || !info.SessionWrite {
		t.Errorf("SET with route hint = %v SessionWrite=%v, want all/true", info.Target, info.SessionWrite)
	}
}

func TestClassify_NoHint(t *testing.T) {
	info := Classify("SELECT * FROM users")
	if info.MaxLag != -1 {
		t.Errorf("MaxLag without hint = %d, want -1", info.MaxLag)
	}
	if info.TTL != 0 {
		t.Errorf("TTL without hint = %d, want 0", info.TTL)
	}
	if info.Name != "" {
		t.Errorf("Name without hint = %q, want empty", info.Name)
	}
}

func TestClassify_TempTable(t *testing.T) {
	if info := Classify("CREATE TEMPORARY TABLE tmp (id INT)"); !info.TempTable {
		t.Errorf("CREATE TEMPORARY TABLE should set TempTable")
	}
	if info := Classify("CREATE TABLE t (id INT)"); info.TempTable {
		t.Errorf("CREATE TABLE should not set TempTable")
	}
}

func TestRouteInfo_IsCacheable(t *testing.T) {
	tests := []struct {
		query    string
		expected bool
	}{
		{"/* ttl:60 */ SELECT id FROM users", true},
		{"SELECT * FROM users", false},                       // no TTL
		{"/* ttl:60 */ INSERT INTO users VALUES (1)", false}, // not a read
		{"/* ttl:60 */ SELECT * FROM users FOR UPDATE", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			info := Classify(tt.query)
			if info.IsCacheable() != tt.expected {
				t.Errorf("Classify(%q).IsCacheable() = %v, want %v", tt.query, info.IsCacheable(), tt.expected)
			}
		})
	}
}

func TestRouteInfo_IsRead(t *testing.T) {
	if !Classify("SELECT 1").IsRead() {
		t.Errorf("SELECT should be a read")
	}
	if !Classify("/* route:replica1 */ SELECT 1").IsRead() {
		t.Errorf("named SELECT should be a read")
	}
	if Classify("UPDATE users SET a = 1").IsRead() {
		t.Errorf("UPDATE should not be a read")
	}
}
