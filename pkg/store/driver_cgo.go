//go:build cgosqlite

package store

// Registers the "sqlite3" driver (DriverCGO) for builds that prefer the
// C SQLite library over the pure-Go one.
import _ "github.com/mattn/go-sqlite3"
