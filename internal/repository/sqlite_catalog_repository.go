package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

// SQLiteCatalogRepository prices products and services for cart snapshots.
type SQLiteCatalogRepository struct {
	db *sql.DB
}

func NewSQLiteCatalogRepository(dbPath string) (*SQLiteCatalogRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// :memory: databases are per-connection.
	db.SetMaxOpenConns(1)
	return &SQLiteCatalogRepository{db: db}, nil
}

func (r *SQLiteCatalogRepository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *SQLiteCatalogRepository) GetItem(ctx context.Context, ref string) (*domain.CatalogItem, error) {
	query := `
		SELECT ref, item_type, name, price_minor, currency, active
		FROM catalog_items
		WHERE ref = $1
	`

	item, err := scanCatalogItem(r.db.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCatalogItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog item: %w", err)
	}
	return item, nil
}

func (r *SQLiteCatalogRepository) ListItems(ctx context.Context) ([]*domain.CatalogItem, error) {
	query := `
		SELECT ref, item_type, name, price_minor, currency, active
		FROM catalog_items
		WHERE active = 1
		ORDER BY ref
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var items []*domain.CatalogItem
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return items, nil
}

func (r *SQLiteCatalogRepository) Close() error {
	return r.db.Close()
}

func scanCatalogItem(row rowScanner) (*domain.CatalogItem, error) {
	item := &domain.CatalogItem{}
	var active int
	if err := row.Scan(&item.Ref, &item.Type, &item.Name, &item.Price, &item.Currency, &active); err != nil {
		return nil, err
	}
	item.Active = active == 1
	return item, nil
}
