// Command seed-db loads a product catalog, API keys and a demo cart into the
// marketplace database.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/storage/postgres"
)

type options struct {
	databaseURL  string
	productsFile string
	pepper       string
	adminKey     string
	userKey      string
	userID       string
	cart         string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file, gzipped when it ends in .gz")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or MARKET_API_KEY_PEPPER env)")
	flag.StringVar(&opts.adminKey, "admin-key", "", "admin API key to seed (or MARKET_SEED_ADMIN_KEY env)")
	flag.StringVar(&opts.userKey, "user-key", "", "user API key to seed (or MARKET_SEED_USER_KEY env)")
	flag.StringVar(&opts.userID, "user-id", "demo-user", "user the user key and demo cart belong to")
	flag.StringVar(&opts.cart, "cart", "", "demo cart as productId:qty pairs separated by commas")
	flag.Parse()

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		opts.applyEnv()
		if opts.databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		if err := run(ctx, lg, opts); err != nil {
			return errors.Wrap(err, "seed")
		}
		lg.Info("Seed completed")
		return nil
	})
}

func (o *options) applyEnv() {
	for _, f := range []struct {
		dst *string
		env string
	}{
		{&o.databaseURL, "DATABASE_URL"},
		{&o.pepper, "MARKET_API_KEY_PEPPER"},
		{&o.adminKey, "MARKET_SEED_ADMIN_KEY"},
		{&o.userKey, "MARKET_SEED_USER_KEY"},
	} {
		if *f.dst == "" {
			*f.dst = os.Getenv(f.env)
		}
	}
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	lg.Info("Reading products file", zap.String("path", opts.productsFile))
	products, err := readCatalog(opts.productsFile)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}
	productRepo := postgres.NewProductRepository(pool)
	for _, p := range products {
		if err := productRepo.Upsert(ctx, p); err != nil {
			return err
		}
		lg.Debug("Upserted product", zap.String("id", p.ID), zap.Int("stock", p.Stock))
	}
	lg.Info("Products upserted", zap.Int("count", len(products)))

	keys := postgres.NewAPIKeyRepository(pool)
	for _, k := range []struct {
		id, key, userID, name string
		scopes                []string
	}{
		{"seed-admin", opts.adminKey, "admin", "Seeded admin key", []string{auth.ScopeAdmin}},
		{"seed-user", opts.userKey, opts.userID, "Seeded user key", nil},
	} {
		if k.key == "" {
			lg.Info("Skipping API key, none given", zap.String("id", k.id))
			continue
		}
		if err := keys.Upsert(ctx, auth.APIKey{
			ID:      k.id,
			KeyHash: auth.HashKey([]byte(opts.pepper), k.key),
			UserID:  k.userID,
			Name:    k.name,
			Scopes:  k.scopes,
		}); err != nil {
			return err
		}
		lg.Info("Upserted API key", zap.String("id", k.id), zap.String("user_id", k.userID))
	}

	lines, err := parseCart(opts.cart)
	if err != nil {
		return errors.Wrap(err, "parse cart")
	}
	carts := postgres.NewCartRepository(pool)
	for _, l := range lines {
		if err := carts.AddItem(ctx, opts.userID, l.ProductID, l.Quantity); err != nil {
			return err
		}
	}
	if len(lines) > 0 {
		lg.Info("Demo cart seeded", zap.String("user_id", opts.userID), zap.Int("lines", len(lines)))
	}
	return nil
}
