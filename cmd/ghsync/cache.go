package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maint",
	Short:   "Inspect and trim the local cache",
	Long: `Inspect and trim the local cache: the user database and the avatar
blob store under the data directory.`,
}

// cacheStatus is the JSON form of 'cache status'.
type cacheStatus struct {
	Database string          `json:"database"`
	Size     int64           `json:"size_bytes"`
	Users    int             `json:"users"`
	Viewed   int             `json:"viewed"`
	MaxID    int64           `json:"max_id"`
	BlobDir  string          `json:"blob_dir"`
	Blobs    blobcache.Stats `json:"blobs"`
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache location, size and counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, needBlobs)
		if err != nil {
			return err
		}
		defer a.close()

		status := cacheStatus{Database: a.store.Path(), BlobDir: a.blobs.Dir()}
		if info, err := os.Stat(status.Database); err == nil {
			status.Size = info.Size()
		}

		if status.Users, err = a.store.CountContext(ctx); err != nil {
			return fmt.Errorf("failed to count users: %w", err)
		}
		if status.Viewed, err = a.store.CountViewed(ctx); err != nil {
			return fmt.Errorf("failed to count viewed users: %w", err)
		}
		if status.MaxID, err = a.store.MaxID(ctx); err != nil {
			return fmt.Errorf("failed to read max id: %w", err)
		}
		if status.Blobs, err = a.blobs.Stats(ctx); err != nil {
			return fmt.Errorf("failed to read blob stats: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return fmt.Errorf("failed to encode status: %w", err)
			}
			return nil
		}

		a.out.Title("Cache Status")
		a.out.KeyValue(
			[2]string{"database", status.Database},
			[2]string{"size", ui.FormatBytes(status.Size)},
			[2]string{"users", fmt.Sprint(status.Users)},
			[2]string{"viewed", fmt.Sprint(status.Viewed)},
			[2]string{"max id", fmt.Sprint(status.MaxID)},
			[2]string{"blobs", status.BlobDir},
			[2]string{"blob files", fmt.Sprintf("%d (%s)", status.Blobs.DiskEntries, ui.FormatBytes(status.Blobs.DiskBytes))},
		)
		if status.Users == 0 {
			fmt.Println()
			a.out.Warn("cache is empty, run 'ghsync users' to fill it")
		}
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Drop cached avatars",
	Long: `Drop cached avatars. By default only the in-memory tier is dropped, as
the daemon does under memory pressure. With --older-than, blob files last
used before the cutoff are deleted from disk as well.

Examples:
  ghsync cache evict
  ghsync cache evict --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return errors.New("--older-than must not be negative")
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, needBlobs)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.blobs.Evict(ctx)
		if err != nil {
			return fmt.Errorf("failed to evict: %w", err)
		}
		a.out.Success("dropped %d blobs from memory", n)

		if olderThan == 0 {
			return nil
		}

		entries, err := a.blobs.Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to list blobs: %w", err)
		}
		cutoff := time.Now().Add(-olderThan)
		removed := 0
		var freed int64
		for _, e := range entries {
			if e.LastAccess.After(cutoff) {
				continue
			}
			if err := a.blobs.Remove(ctx, e.Source); err != nil {
				a.out.Warn("%v", err)
				continue
			}
			removed++
			freed += e.Size
		}
		a.out.Success("deleted %d blob files (%s)", removed, ui.FormatBytes(freed))
		return nil
	},
}

func init() {
	cacheStatusCmd.Flags().Bool("json", false, "Output status as JSON")
	cacheEvictCmd.Flags().Duration("older-than", 0, "Also delete blob files not used within this duration")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
	rootCmd.AddCommand(cacheCmd)
}
