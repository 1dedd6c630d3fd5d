package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opflow-migrate",
	Short: "Manage the opflow database schema",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fatalf("Failed to apply migrations: %v", err)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			fatalf("Failed to roll back migration: %v", err)
		}
		fmt.Println("Rolled back one migration")
	},
}

// newMigrator resolves the connection string from --db or the DB_* env vars
// and opens the migration source given by --path.
func newMigrator(cmd *cobra.Command) *migrate.Migrate {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}

	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		var missing bool
		env := func(key string) string {
			v := os.Getenv(key)
			if v == "" {
				missing = true
			}
			return v
		}
		user, pass := env("DB_USERNAME"), env("DB_PASSWORD")
		host, port, name := env("DB_HOST"), env("DB_PORT"), env("DB_NAME")
		if missing {
			fatalf("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}

	path, _ := cmd.Flags().GetString("path")
	m, err := migrate.New("file://"+path, connStr)
	if err != nil {
		fatalf("Failed to initialize migrations: %v", err)
	}
	return m
}

func fatalf(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("path", "migrations", "Directory holding the migration files")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
