// Package main is the entry point for ghostbay-admin, the operator CLI
// for bucket management, access keys, presigned URLs, and catalog
// export/import.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CK-Technology/ghostbay/internal/auth"
	"github.com/CK-Technology/ghostbay/internal/catalog"
	"github.com/CK-Technology/ghostbay/internal/config"
	"github.com/CK-Technology/ghostbay/internal/serialization"
)

var (
	configPath string
	dbPath     string
)

func main() {
	root := &cobra.Command{
		Use:           "ghostbay-admin",
		Short:         "GhostBay administration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "ghostbay.yaml", "config file path")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "catalog database path (overrides config)")

	root.AddCommand(bucketCmd(), keyCmd(), metaCmd(), presignCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveDBPath returns the catalog path: the --db flag when set,
// otherwise the path from the config file.
func resolveDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.Catalog.Path, nil
}

func openCatalog() (*catalog.Store, error) {
	path, err := resolveDBPath()
	if err != nil {
		return nil, err
	}
	return catalog.Open(path)
}

func bucketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage buckets",
	}

	var region string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			b, err := cat.CreateBucket(context.Background(), args[0], region)
			if err != nil {
				return err
			}
			fmt.Printf("Created bucket %s (region %s)\n", b.Name, b.Region)
			return nil
		},
	}
	create.Flags().StringVar(&region, "region", "us-east-1", "bucket region")

	list := &cobra.Command{
		Use:   "list",
		Short: "List buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			buckets, err := cat.ListBuckets(context.Background())
			if err != nil {
				return err
			}
			for _, b := range buckets {
				fmt.Printf("%s\t%s\t%s\n", b.Name, b.Region, b.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an empty bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			ctx := context.Background()
			b, err := cat.GetBucket(ctx, args[0])
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("bucket %q not found", args[0])
			}
			n, err := cat.ObjectCount(ctx, b.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("bucket %q is not empty (%d objects)", args[0], n)
			}
			if _, err := cat.DeleteBucket(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted bucket %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage access keys",
	}

	var policies []string
	var description string
	var expiresDays int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an access key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			var expiresAt *time.Time
			if expiresDays > 0 {
				t := time.Now().UTC().AddDate(0, 0, expiresDays)
				expiresAt = &t
			}
			key, err := cat.CreateAccessKey(context.Background(), policies, description, expiresAt)
			if err != nil {
				return err
			}
			// The secret is shown once and cannot be recovered later.
			fmt.Printf("Access Key ID:     %s\n", key.AccessKeyID)
			fmt.Printf("Secret Access Key: %s\n", key.SecretAccessKey)
			if key.ExpiresAt != nil {
				fmt.Printf("Expires:           %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	create.Flags().StringSliceVar(&policies, "policies", nil, "policy names attached to the key")
	create.Flags().StringVar(&description, "description", "", "human-readable description")
	create.Flags().IntVar(&expiresDays, "expires-days", 0, "expire the key after this many days (0 = never)")

	var includeInactive bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List access keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			keys, err := cat.ListAccessKeys(context.Background(), includeInactive)
			if err != nil {
				return err
			}
			for _, k := range keys {
				status := "active"
				if !k.IsActive {
					status = "inactive"
				}
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Printf("%s\t%s\texpires=%s\t%s\n", k.AccessKeyID, status, expires, k.Description)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&includeInactive, "include-inactive", false, "include deactivated keys")

	rotate := &cobra.Command{
		Use:   "rotate ACCESS_KEY_ID",
		Short: "Rotate the secret of an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			key, err := cat.RotateAccessKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Access Key ID:     %s\n", key.AccessKeyID)
			fmt.Printf("Secret Access Key: %s\n", key.SecretAccessKey)
			return nil
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate ACCESS_KEY_ID",
		Short: "Deactivate an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			ok, err := cat.DeactivateAccessKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("access key %q not found", args[0])
			}
			fmt.Printf("Deactivated %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete ACCESS_KEY_ID",
		Short: "Delete an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			ok, err := cat.DeleteAccessKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("access key %q not found", args[0])
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Deactivate expired access keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			n, err := cat.CleanupExpiredKeys(context.Background(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("Deactivated %d expired key(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(create, list, rotate, deactivate, del, cleanup)
	return cmd
}

func metaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Export and import the catalog",
	}

	var output, tables string
	var includeSecrets bool
	export := &cobra.Command{
		Use:   "export",
		Short: "Export catalog rows as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := resolveDBPath()
			if err != nil {
				return err
			}

			tableList := serialization.AllTables
			if tables != "" {
				tableList = strings.Split(tables, ",")
				valid := make(map[string]bool)
				for _, t := range serialization.AllTables {
					valid[t] = true
				}
				for i := range tableList {
					tableList[i] = strings.TrimSpace(tableList[i])
					if !valid[tableList[i]] {
						return fmt.Errorf("invalid table name: %s", tableList[i])
					}
				}
			}

			result, err := serialization.ExportCatalog(db, &serialization.ExportOptions{
				Tables:         tableList,
				IncludeSecrets: includeSecrets,
			})
			if err != nil {
				return err
			}

			if output == "-" {
				fmt.Println(result)
				return nil
			}
			if err := os.WriteFile(output, []byte(result+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported to %s\n", output)
			return nil
		},
	}
	export.Flags().StringVar(&output, "output", "-", "output file path (- for stdout)")
	export.Flags().StringVar(&tables, "tables", "", "comma-separated table names (default: all)")
	export.Flags().BoolVar(&includeSecrets, "include-credentials", false, "include real secret keys instead of REDACTED")

	var input string
	var replace bool
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import catalog rows from JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := resolveDBPath()
			if err != nil {
				return err
			}

			var data []byte
			if input == "-" {
				data, err = os.ReadFile("/dev/stdin")
			} else {
				data, err = os.ReadFile(input)
			}
			if err != nil {
				return err
			}

			result, err := serialization.ImportCatalog(db, string(data), &serialization.ImportOptions{Replace: replace})
			if err != nil {
				return err
			}

			for _, table := range serialization.AllTables {
				count, ok := result.Counts[table]
				if !ok {
					continue
				}
				msg := fmt.Sprintf("  %s: %d imported", table, count)
				if skip := result.Skipped[table]; skip > 0 {
					msg += fmt.Sprintf(", %d skipped", skip)
				}
				fmt.Fprintln(os.Stderr, msg)
			}
			for _, w := range result.Warnings {
				fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
			}
			return nil
		},
	}
	imp.Flags().StringVar(&input, "input", "-", "input file path (- for stdin)")
	imp.Flags().BoolVar(&replace, "replace", false, "replace mode (DELETE then INSERT)")

	cmd.AddCommand(export, imp)
	return cmd
}

func presignCmd() *cobra.Command {
	var (
		method    string
		endpoint  string
		accessKey string
		region    string
		expires   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "presign BUCKET KEY",
		Short: "Generate a presigned URL for an object",
		Long: "Generates a presigned URL signed with the given access key. The\n" +
			"secret is looked up in the catalog, so the key must exist there.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			key, err := cat.GetAccessKey(context.Background(), accessKey)
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("access key %q not found", accessKey)
			}

			url, err := auth.PresignURL(auth.PresignOptions{
				Method:      strings.ToUpper(method),
				Endpoint:    endpoint,
				Bucket:      args[0],
				Key:         args[1],
				AccessKeyID: key.AccessKeyID,
				SecretKey:   key.SecretAccessKey,
				Region:      region,
				Expires:     expires,
				Now:         time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method to sign (GET or PUT)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:9000", "server endpoint URL")
	cmd.Flags().StringVar(&accessKey, "access-key", "ghostbay", "access key id to sign with")
	cmd.Flags().StringVar(&region, "region", "us-east-1", "signing region")
	cmd.Flags().DurationVar(&expires, "expires", 15*time.Minute, "URL validity window (max 168h)")

	return cmd
}
