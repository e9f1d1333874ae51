package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filedex/internal/app"
	"filedex/internal/config"
	"filedex/internal/core"
	"filedex/internal/index"
	"filedex/internal/listing"
	"filedex/internal/thumbs"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Upload").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "filedex",
	Short: "Multi-backend file manager with an indexed catalog",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Database: %s\n", cfg.Database.Path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Database:        %s\n", cfg.Database.Path)
		fmt.Printf("Encrypt Secrets: %v\n", cfg.Secrets.Encrypt)
		fmt.Printf("Thumbnails:      %dpx q%d\n", cfg.Thumbnails.Width, cfg.Thumbnails.Quality)
		return nil
	},
}

// storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage storage sources",
}

var storageAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a storage source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		root, _ := cmd.Flags().GetString("root")
		region, _ := cmd.Flags().GetString("region")
		bucket, _ := cmd.Flags().GetString("bucket")
		prefix, _ := cmd.Flags().GetString("prefix")
		accessKey, _ := cmd.Flags().GetString("access-key")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		domain, _ := cmd.Flags().GetString("domain")
		useHTTPS, _ := cmd.Flags().GetBool("https")
		acl, _ := cmd.Flags().GetString("acl")

		sc := &index.StorageConfig{
			Name: args[0],
			Kind: strings.ToUpper(kind),
		}

		switch sc.Kind {
		case core.KindLocal:
			if root == "" {
				return fmt.Errorf("--root is required for local storage")
			}
			abs, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolving root: %w", err)
			}
			sc.RootPath = abs
		case core.KindS3:
			if bucket == "" {
				return fmt.Errorf("--bucket is required for S3 storage")
			}
			sc.Region = region
			sc.Bucket = bucket
			sc.KeyPrefix = prefix
			sc.AccessKeyID = accessKey
			sc.EndpointURL = endpoint
			sc.CustomDomain = domain
			sc.UseHTTPS = useHTTPS
			sc.ACLMode = acl

			if accessKey != "" {
				secret, err := promptSecret("Secret access key: ")
				if err != nil {
					return err
				}
				sc.SecretAccessKey = secret
			}
		default:
			return fmt.Errorf("unknown storage kind %q (want local or s3)", kind)
		}

		a, err := newApp("CreateStorage")
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.Service.CreateStorage(cmd.Context(), sc)
		if err != nil {
			return err
		}

		fmt.Printf("Storage #%d %q (%s) registered\n", created.ID, created.Name, created.Kind)
		return nil
	},
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListStorages")
		if err != nil {
			return err
		}
		defer a.Close()

		all, err := a.Service.ListStorages(cmd.Context())
		if err != nil {
			return err
		}

		if len(all) == 0 {
			fmt.Println("No storage sources registered.")
			return nil
		}

		for _, sc := range all {
			location := sc.RootPath
			if sc.Kind == core.KindS3 {
				location = sc.Bucket
				if sc.KeyPrefix != "" {
					location += "/" + sc.KeyPrefix
				}
			}
			fmt.Printf("#%d  %-20s  %-5s  %s\n", sc.ID, sc.Name, sc.Kind, location)
		}
		return nil
	},
}

var storageRmCmd = &cobra.Command{
	Use:   "rm STORAGE",
	Short: "Remove a storage source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("DeleteStorage")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if err := a.Service.DeleteStorage(cmd.Context(), sc.ID); err != nil {
			return err
		}

		fmt.Printf("Storage %q removed\n", sc.Name)
		return nil
	},
}

var storageTestCmd = &cobra.Command{
	Use:   "test STORAGE",
	Short: "Check storage connectivity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("TestStorage")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if err := a.Service.TestStorage(cmd.Context(), sc.ID); err != nil {
			return fmt.Errorf("storage %q unreachable: %w", sc.Name, err)
		}

		fmt.Printf("Storage %q OK\n", sc.Name)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync STORAGE [PATH]",
	Short: "Reconcile the index with backend contents",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		root := "/"
		if len(args) > 1 {
			root = args[1]
		}

		start := time.Now()
		report, err := a.Service.Sync(cmd.Context(), sc.ID, root)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Sync %s finished in %s\n", report.RunID, time.Since(start).Truncate(time.Millisecond))
		fmt.Printf("  scanned:  %d\n", report.Scanned)
		fmt.Printf("  inserted: %d\n", report.Inserted)
		fmt.Printf("  updated:  %d\n", report.Updated)
		fmt.Printf("  skipped:  %d\n", report.Skipped)
		fmt.Printf("  pruned:   %d\n", report.Pruned)
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls STORAGE [PATH]",
	Short: "List indexed contents of a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, _ := cmd.Flags().GetString("view")
		orderBy, _ := cmd.Flags().GetString("order-by")
		order, _ := cmd.Flags().GetString("order")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		fileType, _ := cmd.Flags().GetString("type")
		search, _ := cmd.Flags().GetString("search")
		countOnly, _ := cmd.Flags().GetBool("count")

		a, err := newApp("List")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		path := "/"
		if len(args) > 1 {
			path = args[1]
		}

		req := listing.Request{
			Path:     path,
			View:     listing.View(view),
			OrderBy:  orderBy,
			Order:    order,
			PageSize: limit,
			Cursor:   cursor,
			FileType: fileType,
			Search:   search,
		}

		if countOnly {
			counts, err := a.Service.Count(cmd.Context(), sc.ID, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d dir(s), %d file(s)\n", counts.CurrentPath, counts.DirCount, counts.FileCount)
			return nil
		}

		page, err := a.Service.List(cmd.Context(), sc.ID, req)
		if err != nil {
			return err
		}

		if len(page.Items) == 0 {
			fmt.Println("Empty.")
			return nil
		}

		for _, item := range page.Items {
			if item.Type == core.EntryDirectory {
				fmt.Printf("%12s  %s/\n", "-", item.Name)
				continue
			}
			fmt.Printf("%12d  %s\n", item.Size, item.Name)
		}
		if page.HasMore {
			fmt.Printf("\nMore results: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

// mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir STORAGE PATH",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Mkdir")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		parent, name := core.SplitPath(args[1])
		if err := a.Service.Mkdir(cmd.Context(), sc.ID, parent, name); err != nil {
			return err
		}

		fmt.Printf("Created %s\n", args[1])
		return nil
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload STORAGE DIR FILE...",
	Short: "Upload local files into a storage directory",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Upload")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var files []core.UploadFile
		var handles []*os.File
		defer func() {
			for _, f := range handles {
				f.Close()
			}
		}()

		for _, p := range args[2:] {
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("opening %s: %w", p, err)
			}
			handles = append(handles, f)

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}

			files = append(files, core.UploadFile{
				Name:    filepath.Base(p),
				Content: f,
				Size:    info.Size(),
			})
		}

		results, err := a.Service.Upload(cmd.Context(), sc.ID, args[1], files)
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Status == core.UploadSuccess {
				fmt.Printf("uploaded  %s\n", r.Name)
				continue
			}
			failed++
			fmt.Printf("FAILED    %s: %s\n", r.Name, r.Message)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d upload(s) failed", failed, len(results))
		}
		return nil
	},
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download STORAGE PATH [DEST]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Download")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		content, err := a.Service.Download(cmd.Context(), sc.ID, args[1])
		if err != nil {
			return err
		}
		defer content.Close()

		dest := content.Filename
		if len(args) > 2 {
			dest = args[2]
		}

		return writeContent(content, dest)
	},
}

// preview command
var previewCmd = &cobra.Command{
	Use:   "preview STORAGE PATH",
	Short: "Print a URL or stream for inline viewing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Preview")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		content, err := a.Service.Preview(cmd.Context(), sc.ID, args[1])
		if err != nil {
			return err
		}
		defer content.Close()

		if content.RedirectURL != "" {
			fmt.Println(content.RedirectURL)
			return nil
		}

		_, err = io.Copy(os.Stdout, content.Body)
		return err
	},
}

// rename command
var renameCmd = &cobra.Command{
	Use:   "rename STORAGE OLD NEW",
	Short: "Rename a file or directory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if err := a.Service.Rename(cmd.Context(), sc.ID, args[1], args[2]); err != nil {
			return err
		}

		fmt.Printf("Renamed %s -> %s\n", args[1], args[2])
		return nil
	},
}

// mv command
var mvCmd = &cobra.Command{
	Use:   "mv STORAGE SOURCE... DEST",
	Short: "Move files or directories into a directory",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Move")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		sources := args[1 : len(args)-1]
		dest := args[len(args)-1]

		if err := a.Service.Move(cmd.Context(), sc.ID, sources, dest); err != nil {
			return err
		}

		fmt.Printf("Moved %d item(s) into %s\n", len(sources), dest)
		return nil
	},
}

// cp command
var cpCmd = &cobra.Command{
	Use:   "cp STORAGE SOURCE... DEST",
	Short: "Copy files or directories into a directory",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Copy")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		sources := args[1 : len(args)-1]
		dest := args[len(args)-1]

		if err := a.Service.Copy(cmd.Context(), sc.ID, sources, dest); err != nil {
			return err
		}

		fmt.Printf("Copied %d item(s) into %s\n", len(sources), dest)
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm STORAGE PATH...",
	Short: "Delete files or directories",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if err := a.Service.Delete(cmd.Context(), sc.ID, args[1:]); err != nil {
			return err
		}

		fmt.Printf("Deleted %d item(s)\n", len(args)-1)
		return nil
	},
}

// thumb command
var thumbCmd = &cobra.Command{
	Use:   "thumb STORAGE PATH [DEST]",
	Short: "Generate a thumbnail for an image",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		format, _ := cmd.Flags().GetString("format")
		quality, _ := cmd.Flags().GetInt("quality")

		a, err := newApp("Thumbnail")
		if err != nil {
			return err
		}
		defer a.Close()

		sc, err := a.ResolveStorage(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		opts := a.ThumbnailOptions(thumbs.Options{Width: width, Height: height, Format: format, Quality: quality})
		content, err := a.Service.Thumbnail(cmd.Context(), sc.ID, args[1], opts)
		if err != nil {
			return err
		}
		defer content.Close()

		dest := content.Filename
		if len(args) > 2 {
			dest = args[2]
		}

		return writeContent(content, dest)
	},
}

// promptSecret reads a secret from the terminal without echo.
func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}

// writeContent saves downloaded content to dest, or prints the redirect URL
// when the backend handed one back instead of a stream.
func writeContent(content *core.Content, dest string) error {
	if content.RedirectURL != "" {
		fmt.Println(content.RedirectURL)
		return nil
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, content.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}

	fmt.Printf("Saved %s\n", dest)
	return nil
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// storage subcommands
	storageCmd.AddCommand(storageAddCmd)
	storageAddCmd.Flags().String("kind", "local", "Storage kind: local or s3")
	storageAddCmd.Flags().String("root", "", "Root directory (local)")
	storageAddCmd.Flags().String("region", "", "Region (s3)")
	storageAddCmd.Flags().String("bucket", "", "Bucket name (s3)")
	storageAddCmd.Flags().String("prefix", "", "Key prefix inside the bucket (s3)")
	storageAddCmd.Flags().String("access-key", "", "Access key ID (s3); the secret is prompted")
	storageAddCmd.Flags().String("endpoint", "", "Custom endpoint URL (s3-compatible servers)")
	storageAddCmd.Flags().String("domain", "", "Custom public domain for preview URLs (s3)")
	storageAddCmd.Flags().Bool("https", true, "Use https for custom-domain URLs (s3)")
	storageAddCmd.Flags().String("acl", "", "Object ACL mode, e.g. public-read (s3)")
	storageCmd.AddCommand(storageListCmd)
	storageCmd.AddCommand(storageRmCmd)
	storageCmd.AddCommand(storageTestCmd)

	// ls flags
	lsCmd.Flags().String("view", "flat", "View: flat, dirs or files")
	lsCmd.Flags().String("order-by", "name", "Sort field: name, size or time")
	lsCmd.Flags().String("order", "asc", "Sort order: asc or desc")
	lsCmd.Flags().IntP("limit", "n", 0, "Page size (0 uses the default)")
	lsCmd.Flags().String("cursor", "", "Continuation token from a previous page")
	lsCmd.Flags().String("type", "", "File type filter: image, document, spreadsheet, pdf or markdown")
	lsCmd.Flags().String("search", "", "Case-insensitive name substring filter")
	lsCmd.Flags().Bool("count", false, "Print counts instead of entries")

	// thumb flags
	thumbCmd.Flags().IntP("width", "w", 0, "Bounding box width (0 uses the default)")
	thumbCmd.Flags().Int("height", 0, "Bounding box height (0 matches width)")
	thumbCmd.Flags().String("format", "", "Output format: jpeg, png or gif")
	thumbCmd.Flags().IntP("quality", "q", 0, "JPEG quality (0 uses the default)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(thumbCmd)
}
