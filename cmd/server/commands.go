package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/pesio-ai/be-approval-routing/internal/client"
	"github.com/pesio-ai/be-approval-routing/internal/config"
	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/repository/sqlite"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply schema migrations for the configured database driver",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			switch cfg.Database.Driver {
			case config.DriverPostgres:
				db, err := connectPostgres(ctx, cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := database.RunMigrations(ctx, db); err != nil {
					return err
				}
			case config.DriverSQLite:
				gdb, err := sqlite.Open(cfg.Database.SQLitePath)
				if err != nil {
					return err
				}
				if sqlDB, err := gdb.DB(); err == nil {
					defer sqlDB.Close()
				}
				if err := sqlite.RunMigrations(ctx, gdb); err != nil {
					return err
				}
			default:
				log.Info().Msg("Memory driver has no schema")
				return nil
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("Migrations applied")
			return nil
		},
	}
}

func evalCommand() *cli.Command {
	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate a condition against a JSON context",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "condition", Required: true, Usage: `condition text, e.g. "#amount > 100000"`},
			&cli.StringFlag{Name: "context", Value: "{}", Usage: "evaluation context as a JSON object"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var evalCtx expression.Context
			if err := json.Unmarshal([]byte(c.String("context")), &evalCtx); err != nil {
				return fmt.Errorf("parse --context: %w", err)
			}

			out := map[string]any{"condition": c.String("condition")}
			predicate, err := expression.Parse(c.String("condition"))
			if err != nil {
				out["valid"] = false
				out["error"] = err.Error()
				out["result"] = false
			} else {
				out["valid"] = true
				out["result"] = predicate.Evaluate(evalCtx)
			}
			return printJSON(out)
		},
	}
}

func checkRulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-rules",
		Usage: "Validate rule conditions in a catalog file or in the database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "catalog", Usage: "catalog YAML file to check"},
			&cli.StringFlag{Name: "subject", Usage: "subject whose stored rules to check (postgres driver)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if path := c.String("catalog"); path != "" {
				file, err := client.LoadCatalog(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d groups, %d rules, %d lines OK\n", path, len(file.Groups), len(file.Rules), len(file.Lines))
				return nil
			}

			subject := c.String("subject")
			if subject == "" {
				return fmt.Errorf("one of --catalog or --subject is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("--subject requires the postgres driver (configured: %s)", cfg.Database.Driver)
			}
			db, err := connectPostgres(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rules, err := repository.NewApprovalRulesRepository(db).List(ctx, subject, false)
			if err != nil {
				return err
			}
			invalid := 0
			for _, rule := range rules {
				if _, err := expression.Parse(rule.Condition); err != nil {
					invalid++
					fmt.Printf("rule %s: %v\n", rule.ID, err)
				}
			}
			fmt.Printf("%s: %d rules, %d invalid\n", subject, len(rules), invalid)
			if invalid > 0 {
				os.Exit(2)
			}
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
