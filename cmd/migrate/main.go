package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/urfave/cli"

	"github.com/ManuelReschke/FoxPay/internal/pkg/database"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	app := cli.NewApp()
	app.Name = "migrate"
	app.Usage = "apply FoxPay schema migrations"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "path",
			Value: "",
			Usage: "migrations directory, defaults to migrations/<DB_DRIVER>",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "up",
			Usage: "apply all pending migrations",
			Action: withMigrator(func(c *cli.Context, m *migrate.Migrate) error {
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					log.Println("No changes: database is up to date")
					return nil
				}
				if err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				log.Println("Migrations applied")
				return nil
			}),
		},
		{
			Name:  "down",
			Usage: "roll back the last migration",
			Action: withMigrator(func(c *cli.Context, m *migrate.Migrate) error {
				if err := m.Steps(-1); err != nil {
					return fmt.Errorf("roll back last migration: %w", err)
				}
				log.Println("Rolled back the last migration")
				return nil
			}),
		},
		{
			Name:      "goto",
			Usage:     "migrate to version N",
			ArgsUsage: "N",
			Action: withMigrator(func(c *cli.Context, m *migrate.Migrate) error {
				version, err := strconv.ParseUint(c.Args().First(), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", c.Args().First(), err)
				}
				err = m.Migrate(uint(version))
				if errors.Is(err, migrate.ErrNoChange) {
					log.Printf("No changes: database is already at version %d", version)
					return nil
				}
				if err != nil {
					return fmt.Errorf("migrate to version %d: %w", version, err)
				}
				log.Printf("Migrated to version %d", version)
				return nil
			}),
		},
		{
			Name:  "status",
			Usage: "print the current migration version",
			Action: withMigrator(func(c *cli.Context, m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					log.Println("No migrations applied yet")
					return nil
				}
				if err != nil {
					return fmt.Errorf("read migration version: %w", err)
				}
				dirtyStatus := ""
				if dirty {
					dirtyStatus = " (dirty)"
				}
				log.Printf("Current migration version: %d%s", version, dirtyStatus)
				return nil
			}),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withMigrator(action func(c *cli.Context, m *migrate.Migrate) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		cfg := database.ConfigFromEnv()
		dbURL, err := cfg.MigrateURL()
		if err != nil {
			return err
		}

		dir := c.GlobalString("path")
		if dir == "" {
			dir = "migrations/" + cfg.Driver
		}
		log.Printf("Connecting to %s database %s@%s:%s/%s", cfg.Driver, cfg.User, cfg.Host, cfg.Port, cfg.Name)

		m, err := migrate.New("file://"+dir, dbURL)
		if err != nil {
			return fmt.Errorf("init migrations: %w", err)
		}
		defer func() {
			if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
				log.Printf("Failed to close migration resources: %v, %v", sourceErr, dbErr)
			}
		}()
		return action(c, m)
	}
}
