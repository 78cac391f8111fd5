// Command wasmengine serves and manages WebAssembly functions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/openeuler-mirror/WasmEngine/app"
	"github.com/openeuler-mirror/WasmEngine/cache"
	"github.com/openeuler-mirror/WasmEngine/catalog"
	"github.com/openeuler-mirror/WasmEngine/config"
	"github.com/openeuler-mirror/WasmEngine/engine"
	"github.com/openeuler-mirror/WasmEngine/fetch"
	"github.com/openeuler-mirror/WasmEngine/server"
)

var _ server.Functions = (*app.App)(nil)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries what the persistent pre-run resolved for subcommands.
type cli struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	st := &cli{}

	root := &cobra.Command{
		Use:           "wasmengine",
		Short:         "Serverless WebAssembly function engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error or 0 (trace) to 4 (error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err := config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		engine.SetLogger(logger.Named("engine"))
		st.cfg = cfg
		st.logger = logger
		return nil
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if st.logger != nil {
			_ = st.logger.Sync()
		}
	}

	root.AddCommand(
		newServeCommand(st),
		newDeployCommand(st),
		newDeleteCommand(st),
		newListCommand(st),
		newQueryCommand(st),
		newInvokeCommand(st),
		newRunCommand(st),
	)
	return root
}

func (st *cli) newEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.NewWithConfig(ctx, &engine.Config{
		Policy:              st.cfg.BuildPolicy(),
		CompilationCacheDir: st.cfg.Engine.CompilationCacheDir,
	})
}

func (st *cli) newFetcher() (fetch.Fetcher, error) {
	oci := fetch.NewOCIFetcher(
		fetch.WithInsecure(st.cfg.Registry.Insecure),
		fetch.WithLogger(st.logger.Named("fetch")))

	var object fetch.Fetcher
	if st.cfg.ObjectStore.Endpoint != "" {
		f, err := fetch.NewObjectFetcher(st.cfg.ObjectStore, st.logger.Named("fetch"))
		if err != nil {
			return nil, err
		}
		object = f
	}
	return fetch.NewRouter(oci, object), nil
}

// openApp builds the application context over the configured store and
// restores the persisted catalog.
func (st *cli) openApp(ctx context.Context) (*app.App, error) {
	fetcher, err := st.newFetcher()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(st.cfg.Store.Root, fetcher, st.logger.Named("catalog"))
	if err != nil {
		return nil, err
	}
	eng, err := st.newEngine(ctx)
	if err != nil {
		return nil, err
	}
	a := app.New(eng, cat, cache.New(), st.logger.Named("app"))
	if err := a.Restore(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func newServeCommand(st *cli) *cobra.Command {
	var preload string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP function server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := st.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if preload != "" {
				deployed, err := a.Preload(ctx, preload)
				if err != nil {
					return err
				}
				st.logger.Info("preloaded functions", zap.Strings("functions", deployed))
			}

			return server.New(a, st.logger.Named("server")).Run(ctx, st.cfg.Server)
		},
	}

	cmd.Flags().StringVar(&preload, "preload", "", "Directory of *.wasm files to deploy at startup")
	return cmd
}

func newDeployCommand(st *cli) *cobra.Command {
	var wasiCap bool

	cmd := &cobra.Command{
		Use:   "deploy <name> <reference>",
		Short: "Fetch an artifact and add it to the catalog",
		Long: "Fetch an artifact and add it to the catalog. The reference is an OCI image\n" +
			"(registry/repo:tag), an object (s3://bucket/key) or a local file (file:///path).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, st, func(ctx context.Context, a *app.App) error {
				if err := a.Deploy(fetch.WithLocal(ctx), args[0], args[1], wasiCap); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deploy function %s successfully!\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wasiCap, "wasi", false, "Run the function through WASI (_start, argv, stdout)")
	return cmd
}

func newDeleteCommand(st *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a function from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, st, func(ctx context.Context, a *app.App) error {
				if err := a.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delete function %s successfully!\n", args[0])
				return nil
			})
		},
	}
}

func newListCommand(st *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, st, func(_ context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.List())
			})
		},
	}
}

func newQueryCommand(st *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "query <name>",
		Short: "Show one deployed function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, st, func(_ context.Context, a *app.App) error {
				entry, err := a.Query(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

func newInvokeCommand(st *cli) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "invoke [name] [key=value ...]",
		Short: "Invoke a deployed function",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return errors.New("interactive mode needs a terminal")
				}
				return withApp(cmd, st, func(ctx context.Context, a *app.App) error {
					preselect := ""
					if len(args) > 0 {
						preselect = args[0]
					}
					return runInteractive(ctx, a, preselect)
				})
			}

			if len(args) == 0 {
				return errors.New("function name is required")
			}
			fnArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, st, func(ctx context.Context, a *app.App) error {
				out, err := a.Invoke(ctx, args[0], fnArgs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Interactive mode with TUI")
	return cmd
}

func newRunCommand(st *cli) *cobra.Command {
	var (
		wasiCap  bool
		funcName string
	)

	cmd := &cobra.Command{
		Use:   "run <file.wasm> [key=value ...]",
		Short: "Compile and run a local module without the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fnArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}

			eng, err := st.newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close(context.Background())

			mod, err := eng.CompileFile(ctx, args[0], wasiCap)
			if err != nil {
				return err
			}
			if funcName == "" {
				funcName = strings.TrimSuffix(filepath.Base(args[0]), ".wasm")
			}

			out, err := eng.Invoke(ctx, mod, funcName, fnArgs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wasiCap, "wasi", false, "Run through WASI (_start, argv, stdout)")
	cmd.Flags().StringVar(&funcName, "func", "", "Export to call on raw modules (default: file name)")
	return cmd
}

func withApp(cmd *cobra.Command, st *cli, fn func(context.Context, *app.App) error) error {
	ctx := cmd.Context()
	a, err := st.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// parseArgs turns key=value pairs into an argument map.
func parseArgs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
