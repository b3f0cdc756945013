// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for Gatehouse using the Cobra
// library. It defines the root command, the subcommands (console, targets,
// key, backup, ...), flags, and the wiring of the console service.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/internal/backup"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/console"
	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/inventory"
	"github.com/gatehouse/gatehouse/internal/keystore"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/security"
	"github.com/gatehouse/gatehouse/internal/session"
	"github.com/gatehouse/gatehouse/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is stamped by the linker at build time.
var Version = "dev"

var (
	cfgFile  string
	username string

	cfg   config.Config
	store db.Store
)

// Execute runs the Gatehouse CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatehouse",
		Short: "Gatehouse is a bastion-style SSH console for fleets of short-lived hosts.",
		Long: `Gatehouse opens interactive shell sessions on batches of remote hosts
using a per-user application key pair kept encrypted at rest. A batch walks
the selected targets in order, pauses for credentials when a host rejects
the key, and tracks every outcome in the database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return nil
			}
			var err error
			cfg, err = config.Load(cmd, cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logging.SetDebug(cfg.Debug)
			db.SetDebug(cfg.Debug)
			store, err = db.NewStoreFromDSN(cfg.Database.Type, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: user/system config dir or ./gatehouse.yaml)")
	cmd.PersistentFlags().StringVarP(&username, "user", "u", "", "operator username (defaults to $USER)")
	cmd.PersistentFlags().String("db-type", "sqlite", "database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "./gatehouse.db", "database connection string")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newConsoleCmd())
	cmd.AddCommand(newTargetsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.Version = Version
	return cmd
}

// currentUser resolves the operator row, creating it on first use.
func currentUser() (*model.User, error) {
	name := username
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		return nil, errors.New("no operator username; pass --user")
	}
	return store.GetOrCreateUser(name)
}

func newSealer() (*security.Sealer, error) {
	sealer, err := security.NewSealer(cfg.Sealing.Key)
	if err != nil {
		if errors.Is(err, security.ErrNoSealingKey) {
			return nil, errors.New("no sealing key configured; run 'gatehouse init' first")
		}
		return nil, err
	}
	return sealer, nil
}

// newKeyStore wires the key store, with SFTP propagation when an identity
// host is configured.
func newKeyStore() (*keystore.KeyStore, error) {
	sealer, err := newSealer()
	if err != nil {
		return nil, err
	}
	var prop keystore.Propagator
	if cfg.Propagation.Host != "" {
		installer, err := inventory.NewKeyInstaller(cfg.Propagation.Host, cfg.Propagation.User, cfg.Propagation.KeyPath, 0)
		if err != nil {
			return nil, fmt.Errorf("key propagation: %w", err)
		}
		prop = installer
	}
	return keystore.New(store, sealer, cfg.SSH.KeyType, prop), nil
}

func newOrchestrator() (*console.Orchestrator, *session.Registry, error) {
	ks, err := newKeyStore()
	if err != nil {
		return nil, nil, err
	}
	dialer := transport.NewSSHDialer(time.Duration(cfg.SSH.TimeoutSeconds) * time.Second)
	registry := session.NewRegistry()
	return console.New(store, ks, dialer, registry, transport.DefaultPTY(cfg.SSH.TermType)), registry, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file with a fresh sealing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.NewSealingKey()
			if err != nil {
				return err
			}
			c := config.Config{
				Database: config.DatabaseConfig{Type: "sqlite", DSN: "./gatehouse.db"},
				SSH:      config.SSHConfig{KeyType: "ed25519", TimeoutSeconds: 15, TermType: "vt102"},
				Sealing:  config.SealingConfig{Key: key},
			}
			if err := config.WriteFile(&c, false); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Println("Configuration written with a new sealing key. Keep the file private.")
			return nil
		},
	}
}

func newConsoleCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "console [target-id...]",
		Short: "Open shell sessions on a batch of targets",
		Long: `Seeds a batch for the selected targets and connects to each in order.
When a target rejects the application key you are prompted for a key
passphrase and/or password and the target is retried. Once the batch
resolves, an interactive prompt drives the open sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ids, err := selectTargets(user.ID, args, all)
			if err != nil {
				return err
			}
			orc, registry, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer registry.Shutdown()

			ctx := context.Background()
			paused, err := orc.StartBatch(ctx, user.ID, ids)
			if err != nil {
				return err
			}
			paused, err = promptRetryLoop(ctx, orc, user.ID, paused)
			if err != nil {
				return err
			}
			if paused != nil {
				fmt.Println("Batch abandoned with a target still pending.")
			}
			printStatuses(orc, user.ID)

			if len(orc.Sessions(user.ID)) == 0 {
				return nil
			}
			return consoleLoop(orc, user.ID)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "connect to every target in the inventory")
	return cmd
}

func selectTargets(userID int64, args []string, all bool) ([]int64, error) {
	if all {
		targets, err := store.GetTargets(userID)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			return nil, errors.New("inventory is empty; run 'gatehouse targets import' first")
		}
		ids := make([]int64, len(targets))
		for i, t := range targets {
			ids[i] = t.ID
		}
		return ids, nil
	}
	if len(args) == 0 {
		return nil, errors.New("no targets selected; pass target ids or --all")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad target id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// promptRetryLoop keeps prompting for credentials while the batch is paused
// on a retryable failure. An empty answer to both prompts abandons the
// target's retry loop.
func promptRetryLoop(ctx context.Context, orc *console.Orchestrator, userID int64, paused *model.ConnectionStatus) (*model.ConnectionStatus, error) {
	for paused != nil {
		target, err := store.GetTarget(userID, paused.TargetID)
		if err != nil {
			return paused, err
		}
		fmt.Printf("%s: %s (%s)\n", target, paused.StatusCode, paused.ErrorMsg)

		var passphrase string
		if paused.StatusCode == model.StatusAuthFail {
			pp, err := promptSecret("Key passphrase (enter to skip): ")
			if err != nil {
				return paused, err
			}
			passphrase = string(pp)
			pp.Zero()
		}
		password, err := promptSecret(fmt.Sprintf("Password for %s (enter to skip): ", target))
		if err != nil {
			return paused, err
		}
		if passphrase == "" && len(password) == 0 {
			fmt.Println("No credentials supplied; leaving the batch paused.")
			return paused, nil
		}
		paused, err = orc.RetryCurrent(ctx, userID, passphrase, password)
		password.Zero()
		if err != nil {
			return paused, err
		}
	}
	return nil, nil
}

func promptSecret(label string) (security.Secret, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	return security.FromBytes(raw), nil
}

func printStatuses(orc *console.Orchestrator, userID int64) {
	statuses, err := orc.Statuses(userID)
	if err != nil {
		logging.Errorf("list statuses: %v", err)
		return
	}
	fmt.Println("\nBatch result:")
	for _, st := range statuses {
		target, err := store.GetTarget(userID, st.TargetID)
		name := fmt.Sprintf("target %d", st.TargetID)
		if err == nil {
			name = target.String()
		}
		line := fmt.Sprintf("  %-30s %s", name, st.StatusCode)
		if st.InstanceID > 0 {
			line += fmt.Sprintf(" [session %d]", st.InstanceID)
		}
		if st.ErrorMsg != "" {
			line += " - " + st.ErrorMsg
		}
		fmt.Println(line)
	}
}

// consoleLoop drives the open sessions interactively until the operator
// quits. Commands: list, send, out, resize, close, quit.
func consoleLoop(orc *console.Orchestrator, userID int64) error {
	fmt.Println("\nConsole ready. Commands: list | send <id> <cmd> | out <id> | resize <id> <cols> <rows> | close <id> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("gatehouse> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			orc.DisconnectAll(userID)
			return nil
		case "list":
			for _, l := range orc.Sessions(userID) {
				fmt.Printf("  %d: %s (%d bytes buffered)\n", l.InstanceID, l.Target, l.Output.Len())
			}
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <id> <command>")
				continue
			}
			id, line := parseInstance(fields[1]), strings.Join(fields[2:], " ")
			if err := orc.Send(userID, id, line); err != nil {
				fmt.Println(err)
			}
		case "out":
			if len(fields) != 2 {
				fmt.Println("usage: out <id>")
				continue
			}
			l := sessionByArg(orc, userID, fields[1])
			if l != nil {
				os.Stdout.Write(l.Output.Drain())
				fmt.Println()
			}
		case "resize":
			if len(fields) != 4 {
				fmt.Println("usage: resize <id> <cols> <rows>")
				continue
			}
			cols, _ := strconv.Atoi(fields[2])
			rows, _ := strconv.Atoi(fields[3])
			if err := orc.Resize(userID, parseInstance(fields[1]), cols, rows); err != nil {
				fmt.Println(err)
			}
		case "close":
			if len(fields) != 2 {
				fmt.Println("usage: close <id>")
				continue
			}
			if err := orc.Disconnect(userID, parseInstance(fields[1])); err != nil {
				fmt.Println(err)
			}
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func parseInstance(arg string) int {
	id, _ := strconv.Atoi(arg)
	return id
}

func sessionByArg(orc *console.Orchestrator, userID int64, arg string) *session.Live {
	for _, l := range orc.Sessions(userID) {
		if l.InstanceID == parseInstance(arg) {
			return l
		}
	}
	fmt.Printf("no session %s\n", arg)
	return nil
}

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the target inventory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the current targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			targets, err := store.GetTargets(user.ID)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println("No targets. Run 'gatehouse targets import <file>'.")
				return nil
			}
			for _, t := range targets {
				extra := t.App
				if t.Group != "" {
					extra += " [" + t.Group + "]"
				}
				fmt.Printf("  %3d  %-30s %s\n", t.ID, t.String(), extra)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace the inventory from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			n, err := inventory.Refresh(context.Background(), store, inventory.FileSource{Path: args[0]}, user.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d targets.\n", n)
			return nil
		},
	})
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			statuses, err := store.ListStatuses(user.ID)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No batch in progress.")
				return nil
			}
			for _, st := range statuses {
				target, err := store.GetTarget(user.ID, st.TargetID)
				name := fmt.Sprintf("target %d", st.TargetID)
				if err == nil {
					name = target.String()
				}
				fmt.Printf("  %-30s %s\n", name, st.StatusCode)
			}
			return nil
		},
	}
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the per-user application key pair",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the public key, generating the pair if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ks, err := newKeyStore()
			if err != nil {
				return err
			}
			km, err := ks.GetOrCreate(user.ID)
			if err != nil {
				return err
			}
			fmt.Println(km.PublicKey)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the key pair and re-propagate the public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ks, err := newKeyStore()
			if err != nil {
				return err
			}
			km, err := ks.Rotate(user.ID)
			if err != nil {
				return err
			}
			fmt.Println("New public key:")
			fmt.Println(km.PublicKey)
			return nil
		},
	})
	return cmd
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore the database as compressed JSON",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "Write a zstd-compressed JSON snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := backup.Write(store, f); err != nil {
				return err
			}
			fmt.Printf("Backup written to %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace the database contents from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: gatehouse backup import <file>")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := backup.Restore(store, f); err != nil {
				return err
			}
			fmt.Println("Backup restored.")
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Gatehouse version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatehouse %s\n", Version)
		},
	}
}
