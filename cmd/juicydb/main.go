// juicydb is a small SQL shell over the juicydb storage engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oda/juicydb"
	"github.com/oda/juicydb/internal/config"
	"github.com/oda/juicydb/internal/logging"
	"github.com/oda/juicydb/internal/server"
)

var (
	configPath string
	dataDir    string
	logLevel   string

	// set by withDB
	cfg    config.Config
	logger *zap.Logger
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "juicydb",
		Short:         "juicydb SQL shell",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error { return repl(db, cmd.OutOrStdout()) })
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "", "data directory (overrides storage.dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides logger.level)")

	var replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error { return repl(db, cmd.OutOrStdout()) })
		},
	}

	var execCmd = &cobra.Command{
		Use:   "exec <sql>",
		Short: "Run statements and print their results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error {
				return run(db, strings.Join(args, " "), cmd.OutOrStdout())
			})
		},
	}

	var dumpCmd = &cobra.Command{
		Use:   "dump <table|index>",
		Short: "Print the B-tree of a table or index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error {
				return run(db, ".btree "+args[0], cmd.OutOrStdout())
			})
		},
	}

	var checkCmd = &cobra.Command{
		Use:   "check <table|index>",
		Short: "Verify the structure of a table or index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error {
				return run(db, ".check "+args[0], cmd.OutOrStdout())
			})
		},
	}

	var (
		network string
		addr    string
	)
	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the database over HTTP on a UNIX socket or TCP address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *juicydb.DB) error {
				if network == "" {
					network = cfg.Server.Network
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				// Relative socket paths live in the data directory
				if network == "unix" && !filepath.IsAbs(addr) {
					addr = filepath.Join(db.Dir(), addr)
				}
				ln, err := server.Listen(network, addr)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(cmd.OutOrStdout(), "juicydb serving %s on %s %s\n", db.Dir(), network, addr)
				return server.New(db, logger).Serve(ctx, ln)
			})
		},
	}
	serveCmd.Flags().StringVar(&network, "network", "", "unix or tcp (overrides server.network)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "socket path or host:port (overrides server.addr)")

	rootCmd.AddCommand(replCmd, execCmd, dumpCmd, checkCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withDB loads the configuration, opens the database and closes it after fn.
func withDB(fn func(*juicydb.DB) error) error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Storage.Dir = dataDir
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if logger, err = logging.New(cfg.Logger); err != nil {
		return err
	}
	defer logger.Sync()

	db, err := juicydb.Open(cfg.Storage.Dir,
		juicydb.WithPageSize(cfg.Storage.PageSize),
		juicydb.WithOrder(cfg.Storage.Order),
		juicydb.WithCacheSize(cfg.Storage.CacheSize),
		juicydb.WithSyncWrites(cfg.Storage.SyncWrites),
		juicydb.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	runErr := fn(db)
	if err := db.Close(); err != nil {
		logger.Error("close", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func repl(db *juicydb.DB, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "juicydb> ",
		HistoryFile:     filepath.Join(os.TempDir(), "juicydb_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(out, "juicydb on %s. Enter .exit to quit.\n", db.Dir())
	var pending strings.Builder
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			pending.Reset()
			rl.SetPrompt("juicydb> ")
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if pending.Len() == 0 {
			switch {
			case line == "":
				continue
			case line == ".exit" || line == ".quit":
				return nil
			case strings.HasPrefix(line, "."):
				report(out, run(db, line, out))
				continue
			}
		}

		// Statements may span lines until a terminating semicolon.
		pending.WriteString(line)
		pending.WriteString("\n")
		if !strings.HasSuffix(line, ";") {
			rl.SetPrompt("     ...> ")
			continue
		}
		report(out, run(db, pending.String(), out))
		pending.Reset()
		rl.SetPrompt("juicydb> ")
	}
}

func report(out io.Writer, err error) {
	if err != nil {
		fmt.Fprintln(out, "Error:", err)
	}
}

// run executes input and prints every result, including those completed
// before a failing statement.
func run(db *juicydb.DB, input string, out io.Writer) error {
	results, err := db.ExecString(input)
	for _, res := range results {
		render(out, res)
	}
	return err
}

func render(out io.Writer, res *juicydb.Result) {
	if res.Columns != nil {
		table := tablewriter.NewWriter(out)
		table.SetHeader(res.Columns)
		table.SetAutoFormatHeaders(false)
		for _, row := range res.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = v.String()
			}
			table.Append(cells)
		}
		table.Render()
	}
	if res.Plan != "" {
		fmt.Fprintf(out, "plan: %s\n", res.Plan)
	}
	if res.Message != "" {
		fmt.Fprintln(out, res.Message)
	}
}
