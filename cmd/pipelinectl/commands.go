package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/httpapi"
)

var errInconsistentLedger = errors.New("ledger inconsistencies found")

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := c.openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := c.openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.MigrateDown(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "migrations rolled back")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := c.openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			version, dirty, err := db.MigrationVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "version %d dirty=%t\n", version, dirty)
			return nil
		},
	})
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Process an upload file synchronously",
	}
	for _, kind := range []string{domain.BatchSales, domain.BatchInventory, domain.BatchReceipt} {
		cmd.AddCommand(&cobra.Command{
			Use:   kind + " <file>",
			Short: fmt.Sprintf("Ingest a %s file", kind),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, err := c.tenantContext(cmd.Context())
				if err != nil {
					return err
				}
				content, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				sess, err := c.open(ctx)
				if err != nil {
					return err
				}
				defer sess.Close()

				batch, err := sess.service.ProcessUpload(ctx, kind, filepath.Base(args[0]), content)
				if err != nil {
					return err
				}
				if err := c.printJSON(batch); err != nil {
					return err
				}
				if batch.Status == domain.BatchFailed {
					return fmt.Errorf("batch %s failed: %s", batch.ID, batch.ErrorMessage)
				}
				return nil
			},
		})
	}
	return cmd
}

func (c *cli) churnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "churn",
		Short: "Customer churn scoring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recalc",
		Short: "Rescore customers for --tenant, or every tenant when omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			if c.tenant == "" {
				failed, err := sess.churn.RecalculateAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "recalculated all tenants, %d failed\n", failed)
				if failed > 0 {
					return fmt.Errorf("%d tenants failed to recalculate", failed)
				}
				return nil
			}
			ctx, err := c.tenantContext(cmd.Context())
			if err != nil {
				return err
			}
			scores, err := sess.service.RecalculateChurn(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "scored %d customers for %s\n", len(scores), c.tenant)
			return nil
		},
	})
	return cmd
}

func (c *cli) failedRowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed-rows",
		Short: "Inspect and retry rows that failed ingestion",
	}

	var batchID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := c.tenantContext(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			rows, total, err := sess.service.ListFailedRows(ctx, domain.FailedRowFilter{BatchID: batchID, Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBATCH\tKIND\tROW\tRETRIES\tERROR")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", row.ID, row.BatchID, row.BatchKind, row.RowNumber, row.RetryCount, row.ErrorMessage)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%d of %d failed rows\n", len(rows), total)
			return nil
		},
	}
	list.Flags().StringVar(&batchID, "batch", "", "only rows from this batch")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-run failed rows through the ingestion path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.tenantContext(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var errs []error
			for _, id := range args {
				result, err := sess.service.RetryNow(ctx, id)
				switch {
				case err != nil:
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
				case result.Duplicate:
					fmt.Fprintf(c.out, "%s: duplicate, removed\n", id)
				case result.Resolved:
					fmt.Fprintf(c.out, "%s: resolved\n", id)
				default:
					fmt.Fprintf(c.out, "%s: still failing (%s)\n", id, result.FailedRow.ErrorMessage)
				}
			}
			return errors.Join(errs...)
		},
	})
	return cmd
}

func (c *cli) consistencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consistency",
		Short: "Ledger consistency tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify every product's movement chain against its stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := c.tenantContext(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			results, err := sess.service.VerifyTenant(ctx)
			if err != nil {
				return err
			}
			bad := 0
			for _, r := range results {
				if r.Consistent {
					continue
				}
				bad++
				fmt.Fprintf(c.out, "%s: stock %d, ledger %d: %s\n", r.ProductID, r.CurrentStock, r.ExpectedStock, strings.Join(r.Issues, "; "))
			}
			fmt.Fprintf(c.out, "%d products checked, %d inconsistent\n", len(results), bad)
			if bad > 0 {
				return errInconsistentLedger
			}
			return nil
		},
	})
	return cmd
}

func (c *cli) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant provisioning",
	}
	var name string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			tenant := domain.Tenant{ID: strings.TrimSpace(args[0]), Name: name, CreatedAt: time.Now().UTC()}
			if tenant.Name == "" {
				tenant.Name = tenant.ID
			}
			if err := db.CreateTenant(cmd.Context(), tenant); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "tenant %s created\n", tenant.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(create)
	return cmd
}

func (c *cli) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Operator account provisioning",
	}
	var role, password string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an operator bound to --tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.tenant == "" {
				return errors.New("--tenant is required")
			}
			if role != "admin" && role != "staff" {
				return fmt.Errorf("role must be admin or staff, got %q", role)
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}
			hash, err := httpapi.HashPassword(password)
			if err != nil {
				return err
			}
			db, err := c.openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			user := domain.UserAccount{
				Username:  strings.ToLower(strings.TrimSpace(args[0])),
				Password:  hash,
				Role:      role,
				TenantID:  c.tenant,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.CreateUser(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "user %s created for %s\n", user.Username, c.tenant)
			return nil
		},
	}
	create.Flags().StringVar(&role, "role", "staff", "admin or staff")
	create.Flags().StringVar(&password, "password", "", "initial password")
	cmd.AddCommand(create)
	return cmd
}
