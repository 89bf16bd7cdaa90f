// Package pg wraps the pgx/v5 driver with the small amount of plumbing the
// service needs: pooled connections with startup retries, goose schema
// migrations, a health check closure, and error classification helpers.
//
// # Usage
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//	    panic(err)
//	}
//
//	ctx := context.Background()
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//	    panic(err)
//	}
//
// # Error Handling
//
// Helpers such as [IsDuplicateKeyError] and [IsNotFoundError] unwrap
// *pgconn.PgError and pgx sentinel errors so that store implementations can
// translate driver failures into domain errors without string matching.
package pg
