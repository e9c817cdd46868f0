package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/db"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(ctx context.Context, cfg *config.Config, database *db.DB) error

// withDatabase loads the configuration, connects and runs operation,
// closing the connection afterwards. When migrate is set the schema is
// brought up to date first.
func withDatabase(ctx context.Context, migrate bool, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbCfg := cfg.GetDatabaseConfig()
	var database *db.DB
	if migrate {
		database, err = db.ConnectAndMigrate(ctx, &dbCfg)
	} else {
		database, err = db.Connect(ctx, &dbCfg)
	}
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, database)
}
