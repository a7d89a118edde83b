// Command sysrootctl manages the cross-compilation sysroot cache.
//
// Sysroots are declared in a YAML manifest and fetched with:
//
//	sysrootctl fetch sysroots.yaml
//
// The remaining commands (list, path, remove, clear, size) inspect and
// maintain the cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crosskit/sysroot"
	"github.com/crosskit/sysroot/download"
	"github.com/crosskit/sysroot/download/oci"
)

var (
	cacheDir string
	verbose  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sysrootctl",
		Short:         "Manage cached sysroots for cross-compilation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "cache root directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newFetchCmd(),
		newListCmd(),
		newPathCmd(),
		newRemoveCmd(),
		newClearCmd(),
		newSizeCmd(),
	)
	return root
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "crosskit")
	}
	return ".crosskit"
}

func openCache() (*sysroot.Cache, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return sysroot.New(cacheDir,
		sysroot.WithDownloader(newSchemeDownloader()),
		sysroot.WithLogger(logger),
	)
}

func newFetchCmd() *cobra.Command {
	var (
		force bool
		jobs  int
	)
	cmd := &cobra.Command{
		Use:   "fetch <manifest.yaml>",
		Short: "Download and cache every sysroot in the manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobs < 1 {
				return fmt.Errorf("--jobs must be at least 1, got %d", jobs)
			}
			specs, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			c, err := openCache()
			if err != nil {
				return err
			}

			var opts []sysroot.FetchOption
			if force {
				opts = append(opts, sysroot.WithForce())
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(jobs)
			for _, spec := range specs {
				spec := spec
				g.Go(func() error {
					path, err := c.Fetch(ctx, spec, append(opts, progressOption(cmd, spec))...)
					if err != nil {
						return fmt.Errorf("%s: %w", spec.Key(), err)
					}
					cmd.Printf("%s -> %s\n", spec.Key(), path)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-download even if cached")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "maximum concurrent downloads")
	return cmd
}

// progressOption renders coarse progress lines for one sysroot, at most one
// line per 10% step.
func progressOption(cmd *cobra.Command, spec sysroot.Spec) sysroot.FetchOption {
	lastStep := -1
	return sysroot.WithProgress(func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		step := int(downloaded * 10 / total)
		if step == lastStep {
			return
		}
		lastStep = step
		cmd.PrintErrf("%s: %d%% (%d/%d bytes)\n", spec.Key(), step*10, downloaded, total)
	})
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached sysroots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			keys, err := c.List()
			if err != nil {
				return err
			}
			for _, key := range keys {
				cmd.Println(key)
			}
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <target> <version>",
		Short: "Print the directory of a cached sysroot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			path, ok := c.Path(args[0], args[1])
			if !ok {
				return fmt.Errorf("sysroot %s-%s is not cached", args[0], args[1])
			}
			cmd.Println(path)
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <target> <version>",
		Short: "Remove a cached sysroot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			removed, err := c.Remove(args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				cmd.Printf("sysroot %s-%s was not cached\n", args[0], args[1])
				return nil
			}
			cmd.Printf("removed %s-%s\n", args[0], args[1])
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached sysroots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			count, err := c.Clear()
			if err != nil {
				return err
			}
			cmd.Printf("removed %d sysroot(s)\n", count)
			return nil
		},
	}
}

func newSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the total size of the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			size, err := c.SizeBytes()
			if err != nil {
				return err
			}
			cmd.Printf("%s (%d bytes)\n", humanSize(size), size)
			return nil
		},
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// schemeDownloader routes oci:// URLs to the registry transport and
// everything else to the HTTP downloader.
type schemeDownloader struct {
	http sysroot.Downloader
	oci  sysroot.Downloader
}

func newSchemeDownloader() *schemeDownloader {
	return &schemeDownloader{
		http: download.New(),
		oci:  oci.New(oci.WithDockerConfig()),
	}
}

func (d *schemeDownloader) Download(ctx context.Context, url, dest string, expected digest.Digest, progress download.ProgressFunc) error {
	if strings.HasPrefix(url, oci.Scheme) {
		return d.oci.Download(ctx, url, dest, expected, progress)
	}
	return d.http.Download(ctx, url, dest, expected, progress)
}
