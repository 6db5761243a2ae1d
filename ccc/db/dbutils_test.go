package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)

	parsed, err := StringToTime(TimeToString(now))
	if err != nil {
		t.Fatalf("StringToTime failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("Expected %v, got %v", now, parsed)
	}
}

func TestBoolConversion(t *testing.T) {
	if BoolToInt(true) != 1 || BoolToInt(false) != 0 {
		t.Error("BoolToInt returned unexpected values")
	}
	if !IntToBool(1) || IntToBool(0) {
		t.Error("IntToBool returned unexpected values")
	}
}

func TestOpen_BothDrivers(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "test.db")
			db, err := Open(driver, path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer db.Close()

			if _, err := db.Exec("CREATE TABLE t (v INTEGER)"); err != nil {
				t.Fatalf("create table failed: %v", err)
			}
			if _, err := db.Exec("INSERT INTO t (v) VALUES (42)"); err != nil {
				t.Fatalf("insert failed: %v", err)
			}

			var v int
			if err := db.QueryRow("SELECT v FROM t").Scan(&v); err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if v != 42 {
				t.Errorf("Expected 42, got %d", v)
			}
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("postgres", ":memory:"); err == nil {
		t.Fatal("Expected error for unsupported driver")
	}
}
