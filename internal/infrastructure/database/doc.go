// Package database provides SQLite connectivity for the switch journal.
//
// This package manages:
//   - Database connection with WAL mode so API reads run during writes
//   - Versioned schema migrations from an fs.FS
//   - Connection pool and lifecycle management
//
// Database file permissions are set to 0600 and all queries use
// parameterised statements.
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are registered by importing the migrations package for its
// side effect. Migrations are forward-only .up.sql files applied in
// version order; SchemaVersion reports the latest applied version.
package database
