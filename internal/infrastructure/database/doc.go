// Package database opens the gateway's SQLite store and applies its
// schema migrations.
//
// The store holds two tables: loop_state, the per-device loop flags that
// must survive restarts, and calls, the call history written by the audit
// log. Everything else the gateway tracks lives in memory.
//
// Tables are created STRICT and every query uses placeholders. The file is
// chmod 0600 after opening.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are embedded by the top-level migrations package, which sets
// MigrationsFS from its init function. Files are named
// YYYYMMDD_HHMMSS_description.up.sql with a matching .down.sql.
package database
