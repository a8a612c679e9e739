package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"savesync/internal/app"
	"savesync/internal/backup"
	"savesync/internal/config"
	"savesync/internal/conflict"
	"savesync/internal/restore"
	"savesync/internal/save"
	"savesync/internal/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates the App. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "backup", "sync-push").
func newApp(ctx context.Context, command string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptPassphrase reads a passphrase without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

// unlock opens a decryption session when the shared store is encrypted.
// Returns (nil, nil) when it is not.
func unlock(a *app.App) (save.DecryptionContext, error) {
	enc := a.Encryptor()
	if enc == nil {
		return nil, nil
	}
	pw, err := promptPassphrase("Key passphrase: ")
	if err != nil {
		return nil, err
	}
	return a.Unlock(pw)
}

var rootCmd = &cobra.Command{
	Use:   "savesync",
	Short: "Emulator save backup and sync tool",
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

		deviceID := uuid.New().String()
		hostname, _ := os.Hostname()

		cfg := config.NewConfig(deviceID, hostname, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
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
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Device Name: %s\n", cfg.DeviceName)
		fmt.Printf("Backup Path: %s\n", cfg.BackupPath)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Max Backups: %d\n", cfg.MaxBackups)
		if cfg.SyncStore.Type != "" {
			fmt.Printf("Sync Store:  %s\n", cfg.SyncStore.Type)
		} else {
			fmt.Printf("Sync Store:  (disabled)\n")
		}
		if cfg.Encryption.Type != "" {
			fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		}
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover emulators and live saves",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "scan")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Scan(cmd.Context())
		if err != nil {
			return err
		}

		if len(result.Installations) == 0 {
			fmt.Println("No emulator installations found.")
			return nil
		}

		fmt.Println("Installations:")
		for _, info := range result.Installations {
			version := info.Version
			if version == "" {
				version = "unknown version"
			}
			fmt.Printf("  %-10s %s (%s)\n", info.Name, info.DataPath, version)
		}

		fmt.Printf("\nSaves (%d):\n", len(result.Saves))
		for _, key := range result.Keys() {
			gs := result.Saves[key]
			fmt.Printf("  %-10s %-24s %-12s %d file(s), %s\n",
				gs.Emulator, gs.Title, gs.Type, len(gs.Files),
				gs.LastModified().Format("2006-01-02 15:04:05"))
		}

		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %v\n", w)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "View the save library with backup and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "list")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, warnings, err := a.Library(cmd.Context())
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No saves found.")
			return nil
		}

		for _, e := range entries {
			var flags string
			switch {
			case !e.Live:
				flags = "b--" // backup only
			case e.HasBackup && e.BackupStale:
				flags = "LB*"
			case e.HasBackup:
				flags = "LB "
			default:
				flags = "L--"
			}
			sync := ""
			if e.SyncState != "" {
				sync = "  [" + string(e.SyncState) + "]"
			}
			fmt.Printf("%s  %-10s %-24s %s%s\n", flags, e.Emulator, e.Title, e.GameID, sync)
		}

		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %v\n", w)
		}
		return nil
	},
}

// dirs command
var dirsCmd = &cobra.Command{
	Use:   "dirs",
	Short: "Enumerate save directories of detected installations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "dirs")
		if err != nil {
			return err
		}
		defer a.Close()

		dirs, err := a.SaveDirectories()
		if err != nil {
			return err
		}
		if len(dirs) == 0 {
			fmt.Println("No emulator installations found.")
			return nil
		}
		for _, d := range dirs {
			missing := ""
			if !d.Exists {
				missing = "  (missing)"
			}
			fmt.Printf("%-10s %-14s %s%s\n", d.Emulator, d.Type, d.Path, missing)
		}
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage local backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [GAME]",
	Short: "Back up one game, or every live game with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		all, _ := cmd.Flags().GetBool("all")

		if !all && len(args) != 1 {
			return fmt.Errorf("specify a game as emulator/game-id, or --all")
		}

		a, err := newApp(cmd.Context(), "backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if all {
			records, errs := a.BackupAll(cmd.Context(), label)
			for _, rec := range records {
				fmt.Printf("Backed up %s/%s as version %d\n", rec.Emulator, rec.GameID, rec.Version)
			}
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "error: %v\n", e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d game(s) failed", len(errs))
			}
			return nil
		}

		key, err := app.ParseKey(args[0])
		if err != nil {
			return err
		}
		rec, err := a.Backup(cmd.Context(), key, label)
		if err != nil {
			return err
		}
		fmt.Printf("Backed up %s as version %d\n", key, rec.Version)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list GAME",
	Short: "List backup versions of a game",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := app.ParseKey(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "backup-list")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Engine().List(key)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, rec := range records {
			printRecord(rec)
		}
		return nil
	},
}

func printRecord(rec backup.Record) {
	pin := ""
	if rec.Pinned {
		pin = "  [pinned]"
	}
	label := ""
	if rec.Label != "" {
		label = "  " + rec.Label
	}
	fmt.Printf("%d  %s  %d file(s)  %s%s%s\n",
		rec.Version,
		rec.CreatedAt.Format("2006-01-02 15:04:05"),
		len(rec.Files),
		rec.Device,
		pin,
		label,
	)
}

var backupPinCmd = &cobra.Command{
	Use:   "pin GAME VERSION",
	Short: "Protect a version from rotation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		key, version, err := parseKeyVersion(args[0], args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "backup-pin")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Engine().Pin(key, version, label); err != nil {
			return err
		}
		fmt.Printf("Pinned %s version %d\n", key, version)
		return nil
	},
}

var backupUnpinCmd = &cobra.Command{
	Use:   "unpin GAME VERSION",
	Short: "Make a version eligible for rotation again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, version, err := parseKeyVersion(args[0], args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "backup-unpin")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Engine().Unpin(key, version); err != nil {
			return err
		}
		fmt.Printf("Unpinned %s version %d\n", key, version)
		return nil
	},
}

func parseKeyVersion(rawKey, rawVersion string) (save.Key, int64, error) {
	key, err := app.ParseKey(rawKey)
	if err != nil {
		return save.Key{}, 0, err
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return save.Key{}, 0, fmt.Errorf("invalid version %q", rawVersion)
	}
	return key, version, nil
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore GAME [VERSION]",
	Short: "Restore a backup version to the live save location",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		preview, _ := cmd.Flags().GetBool("preview")
		force, _ := cmd.Flags().GetBool("force")

		key, err := app.ParseKey(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		var version int64
		if len(args) == 2 {
			if version, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				return fmt.Errorf("invalid version %q", args[1])
			}
		} else {
			rec, err := a.Engine().Latest(key)
			if err != nil {
				return err
			}
			version = rec.Version
		}

		plan, err := a.Restorer().Preview(key, version)
		if err != nil {
			return err
		}

		if preview {
			printPlan(plan)
			return nil
		}

		if warns := plan.Warnings(); len(warns) > 0 && !force {
			printPlan(plan)
			return fmt.Errorf("%d file(s) need --force", len(warns))
		}

		result, err := a.Restorer().Apply(cmd.Context(), plan, force)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d file(s), skipped %d\n", len(result.Restored), len(result.Skipped))
		for i := range result.Failed {
			fmt.Fprintf(os.Stderr, "error: %v\n", &result.Failed[i])
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d file(s) failed", len(result.Failed))
		}
		return nil
	},
}

func printPlan(plan *restore.Plan) {
	fmt.Printf("Restore of version %d (%s):\n",
		plan.Record.Version, plan.Record.CreatedAt.Format("2006-01-02 15:04:05"))
	for _, f := range plan.Files {
		fmt.Printf("  %-16s %s\n", f.Action, f.PortablePath)
	}
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange backups with the shared store",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare local backups with the shared store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync-status")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.SyncStatus(cmd.Context())
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		for _, st := range statuses {
			extra := ""
			if st.Conflict != nil {
				extra = "  " + st.Conflict.Reason
			}
			fmt.Printf("%-12s %s  local:%d remote:%d%s\n",
				st.State, st.Key, st.LocalHead, st.RemoteHead, extra)
		}
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push [GAME]",
	Short: "Upload local versions, all games when none given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync-push")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := syncTargets(cmd.Context(), a, args,
			syncer.StateAhead, syncer.StateLocalOnly)
		if err != nil {
			return err
		}

		var conflicts int
		for _, key := range keys {
			result, err := a.Push(cmd.Context(), key)
			if err != nil {
				var ce *syncer.ConflictError
				if errors.As(err, &ce) {
					fmt.Fprintf(os.Stderr, "conflict: %s: %s (run savesync sync resolve)\n",
						key, ce.Conflict.Reason)
					conflicts++
					continue
				}
				return fmt.Errorf("%s: %w", key, err)
			}
			fmt.Printf("Pushed %s: %d version(s)\n", key, len(result.Pushed))
		}
		if conflicts > 0 {
			return fmt.Errorf("%d game(s) in conflict", conflicts)
		}
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull [GAME]",
	Short: "Download shared versions, all games when none given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync-pull")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := syncTargets(cmd.Context(), a, args,
			syncer.StateBehind, syncer.StateRemoteOnly)
		if err != nil {
			return err
		}

		dctx, err := unlock(a)
		if err != nil {
			return err
		}

		var conflicts int
		for _, key := range keys {
			result, err := a.Pull(cmd.Context(), key, dctx)
			if err != nil {
				var ce *syncer.ConflictError
				if errors.As(err, &ce) {
					fmt.Fprintf(os.Stderr, "conflict: %s: %s (run savesync sync resolve)\n",
						key, ce.Conflict.Reason)
					conflicts++
					continue
				}
				return fmt.Errorf("%s: %w", key, err)
			}
			fmt.Printf("Pulled %s: %d version(s)\n", key, len(result.Pulled))
			for _, w := range result.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
		}
		if conflicts > 0 {
			return fmt.Errorf("%d game(s) in conflict", conflicts)
		}
		return nil
	},
}

// syncTargets resolves the explicit GAME argument, or every game whose
// state matches one of the given states.
func syncTargets(ctx context.Context, a *app.App, args []string, states ...syncer.State) ([]save.Key, error) {
	if len(args) == 1 {
		key, err := app.ParseKey(args[0])
		if err != nil {
			return nil, err
		}
		return []save.Key{key}, nil
	}

	statuses, err := a.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	var keys []save.Key
	for _, st := range statuses {
		for _, s := range states {
			if st.State == s || st.State == syncer.StateDiverged {
				keys = append(keys, st.Key)
				break
			}
		}
	}
	return keys, nil
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve GAME CHOICE",
	Short: "Settle a diverged game (use-local, use-remote, keep-both, skip)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := app.ParseKey(args[0])
		if err != nil {
			return err
		}
		choice, err := parseChoice(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "sync-resolve")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.SyncStatus(cmd.Context())
		if err != nil {
			return err
		}
		var c *syncer.Conflict
		for _, st := range statuses {
			if st.Key == key && st.Conflict != nil {
				c = st.Conflict
				break
			}
		}
		if c == nil {
			return fmt.Errorf("%s is not in conflict", key)
		}

		var dctx save.DecryptionContext
		if choice == conflict.UseRemote || choice == conflict.KeepBoth {
			if dctx, err = unlock(a); err != nil {
				return err
			}
		}

		if err := a.ResolveConflict(cmd.Context(), c, choice, dctx); err != nil {
			return err
		}
		fmt.Printf("Resolved %s with %s\n", key, args[1])
		return nil
	},
}

func parseChoice(s string) (conflict.Choice, error) {
	switch s {
	case "use-local":
		return conflict.UseLocal, nil
	case "use-remote":
		return conflict.UseRemote, nil
	case "keep-both":
		return conflict.KeepBoth, nil
	case "skip":
		return conflict.Skip, nil
	default:
		return "", fmt.Errorf("unknown choice %q, want use-local, use-remote, keep-both or skip", s)
	}
}

var syncKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the shared store encryption key",
}

var syncKeyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync-key-init")
		if err != nil {
			return err
		}
		defer a.Close()

		enc := a.Encryptor()
		if enc == nil {
			return fmt.Errorf("encryption is not enabled in the config")
		}
		if enc.IsConfigured() {
			return fmt.Errorf("key pair already exists")
		}

		pw, err := promptPassphrase("New key passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pw); err != nil {
			return err
		}
		fmt.Println("Key pair generated.")
		return nil
	},
}

// gamedb command
var gamedbCmd = &cobra.Command{
	Use:   "gamedb",
	Short: "Manage the serial title index",
}

var gamedbImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import serial<TAB>title[<TAB>platform] lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "gamedb-import")
		if err != nil {
			return err
		}
		defer a.Close()

		titles := a.TitleIndex()
		if titles == nil {
			return fmt.Errorf("no gamedb_path configured")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := titles.ImportTSV(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d title(s)\n", n)
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch save directories and report changed games",
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, _ := cmd.Flags().GetDuration("debounce")

		a, err := newApp(cmd.Context(), "watch")
		if err != nil {
			return err
		}
		defer a.Close()

		w, err := a.Watcher(debounce)
		if err != nil {
			return err
		}
		defer w.Close()

		for _, dir := range w.Dirs() {
			fmt.Printf("Watching %s\n", dir)
		}

		done := make(chan error, 1)
		go func() { done <- w.Run(cmd.Context()) }()

		for evt := range w.Events() {
			fmt.Printf("%s  changed: %s\n", evt.At.Format("15:04:05"), evt.Dir)
		}
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// backup subcommands
	backupCmd.AddCommand(backupCreateCmd)
	backupCreateCmd.Flags().String("label", "", "Label for the new version")
	backupCreateCmd.Flags().Bool("all", false, "Back up every live game")
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupPinCmd)
	backupPinCmd.Flags().String("label", "", "Label to attach to the pinned version")
	backupCmd.AddCommand(backupUnpinCmd)

	// sync subcommands
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncResolveCmd)
	syncCmd.AddCommand(syncKeyCmd)
	syncKeyCmd.AddCommand(syncKeyInitCmd)

	// gamedb subcommands
	gamedbCmd.AddCommand(gamedbImportCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(dirsCmd)
	rootCmd.AddCommand(backupCmd)
	restoreCmd.Flags().Bool("preview", false, "Show the plan without applying it")
	restoreCmd.Flags().Bool("force", false, "Overwrite newer live files and recreate missing paths")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(gamedbCmd)
	watchCmd.Flags().Duration("debounce", 0, "Quiet period before a change is reported")
	rootCmd.AddCommand(watchCmd)
}
