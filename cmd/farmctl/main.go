// cmd/farmctl/main.go
//
// Wiki-farm control plane – operator entry point.
//
// Command groups
// --------------
//
//	list                      – print the farm index.
//	create / delete / rename  – tenant lifecycle.
//	set-cluster               – move a wiki's placement record.
//	rebuild-cache             – regenerate missing or named snapshots.
//	sweep                     – inactivity report, or --write to apply.
//	request …                 – approval-queue actions.
//	serve                     – admin HTTP surface (/metrics included).
//
// Boot sequence
// -------------
//
//  1. Load env vars (jail-wide file → .env fallback).
//  2. Start daily rotating logger (tees to console when in a TTY).
//  3. Optional Vault client when VAULT_ADDR is set; installs the secret
//     resolver before config.Load so `vault:` DSNs work.
//  4. Load immutable Config, open the registry pool, wire components.
//
// Large comment blocks are framed by blank “//” lines; inline comments
// use a single “//”.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/adminapi"
	"github.com/wikigrove/farm/internal/cachegen"
	"github.com/wikigrove/farm/internal/config"
	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/database"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/logger"
	"github.com/wikigrove/farm/internal/mutator"
	"github.com/wikigrove/farm/internal/notify"
	"github.com/wikigrove/farm/internal/provision"
	"github.com/wikigrove/farm/internal/registry"
	"github.com/wikigrove/farm/internal/reqflow"
	"github.com/wikigrove/farm/internal/sweep"
	"github.com/wikigrove/farm/internal/vault"
)

const serverEnvPath = "/usr/local/etc/wikigrove/global.env"

// loadEnv prefers the jail-wide env file; on dev it falls back to .env.
func loadEnv() {
	if _, err := os.Stat(serverEnvPath); err == nil {
		_ = godotenv.Load(serverEnvPath)
		return
	}
	_ = godotenv.Load()
}

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// app bundles every wired component for the command handlers.
type app struct {
	cfg      *config.Config
	store    *registry.Store
	counters counter.Store
	cache    *cachegen.Builder
	hooks    *hook.Hooks
	muts     *mutator.Factory
	prov     *provision.Provisioner
	engine   *reqflow.Engine
	sweeper  *sweep.Sweeper
	notifier notify.Notifier
	log      *zap.SugaredLogger
}

// bootstrap runs the shared boot sequence for every subcommand.
func bootstrap(ctx context.Context) (*app, error) {
	loadEnv()

	rootDir, _ := os.Getwd()
	log, err := logger.New(rootDir, runningInTTY())
	if err != nil {
		return nil, fmt.Errorf("start logger: %w", err)
	}

	if os.Getenv("VAULT_ADDR") != "" {
		vc, err := vault.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("vault client: %w", err)
		}
		config.SetSecretResolver(vc.ResolveURI)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := database.Open(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	store := registry.New(db)

	var counters counter.Store
	if cfg.Cache.RedisAddr != "" {
		counters, err = counter.NewRedisStore(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	} else {
		log.Warnw("no redis configured, using in-process counters")
		counters = counter.NewMemStore()
	}

	hooks := hook.New()
	cache, err := cachegen.New(store, counters, hooks, cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}

	notifier := notify.LogNotifier{}
	muts := &mutator.Factory{Store: store, Counters: counters, Cache: cache, Hooks: hooks}
	prov := provision.New(cfg, store, counters, cache, hooks, notifier)
	engine := reqflow.New(cfg, store, prov, notifier)
	sweeper := sweep.New(cfg, store, muts, notifier, sweep.LogActivity{Store: store})

	return &app{
		cfg:      cfg,
		store:    store,
		counters: counters,
		cache:    cache,
		hooks:    hooks,
		muts:     muts,
		prov:     prov,
		engine:   engine,
		sweeper:  sweeper,
		notifier: notifier,
		log:      log,
	}, nil
}

func main() {
	cliApp := &cli.App{
		Name:  "farmctl",
		Usage: "wiki-farm control plane",
		Commands: []*cli.Command{
			listCmd(),
			createCmd(),
			deleteCmd(),
			renameCmd(),
			setClusterCmd(),
			wikiCmd(),
			rebuildCacheCmd(),
			sweepCmd(),
			requestCmd(),
			serveCmd(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "print the farm index",
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			idx, err := a.cache.FarmIndex(c.Context)
			if err != nil {
				return err
			}
			for dbname, e := range idx.Databases {
				fmt.Printf("%s\t%s\t%s\n", dbname, e.Cluster, e.Sitename)
			}
			return nil
		},
	}
}

func createCmd() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "provision a new wiki",
		ArgsUsage: "DBNAME",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sitename", Required: true},
			&cli.StringFlag{Name: "language", Value: "en"},
			&cli.BoolFlag{Name: "private"},
			&cli.StringFlag{Name: "category", Value: "uncategorised"},
			&cli.StringFlag{Name: "requester", Required: true},
			&cli.StringFlag{Name: "actor", Value: "farmctl"},
			&cli.StringFlag{Name: "reason", Value: ""},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: farmctl create DBNAME")
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			userMsg, jobs, err := a.prov.Create(c.Context, provision.CreateParams{
				DBName:    c.Args().First(),
				Sitename:  c.String("sitename"),
				Language:  c.String("language"),
				Private:   c.Bool("private"),
				Category:  c.String("category"),
				Requester: c.String("requester"),
				Actor:     c.String("actor"),
				Reason:    c.String("reason"),
			})
			if err != nil {
				return err
			}
			if userMsg != "" {
				return fmt.Errorf("rejected: %s", userMsg)
			}
			provision.RunDeferred(c.Context, c.Args().First(), jobs)
			fmt.Printf("created %s\n", c.Args().First())
			return nil
		},
	}
}

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "purge a soft-deleted wiki's registry rows",
		ArgsUsage: "DBNAME",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "skip the grace-period check"},
			&cli.StringFlag{Name: "actor", Value: "farmctl"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: farmctl delete DBNAME")
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			userMsg, err := a.prov.Delete(c.Context, c.Args().First(), c.Bool("force"), c.String("actor"))
			if err != nil {
				return err
			}
			if userMsg != "" {
				return fmt.Errorf("refused: %s", userMsg)
			}
			fmt.Printf("deleted %s\n", c.Args().First())
			return nil
		},
	}
}

func renameCmd() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "move a wiki's registry rows to a new dbname",
		ArgsUsage: "OLD NEW",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "actor", Value: "farmctl"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: farmctl rename OLD NEW")
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			userMsg, err := a.prov.Rename(c.Context, c.Args().Get(0), c.Args().Get(1), c.String("actor"))
			if err != nil {
				return err
			}
			if userMsg != "" {
				return fmt.Errorf("rejected: %s", userMsg)
			}
			fmt.Printf("renamed %s -> %s\n", c.Args().Get(0), c.Args().Get(1))
			return nil
		},
	}
}

func setClusterCmd() *cli.Command {
	return &cli.Command{
		Name:      "set-cluster",
		Usage:     "change a wiki's recorded database cluster",
		ArgsUsage: "DBNAME CLUSTER",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "actor", Value: "farmctl"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: farmctl set-cluster DBNAME CLUSTER")
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			m, err := a.muts.Load(c.Context, c.Args().Get(0))
			if err != nil {
				return err
			}
			m.SetDBCluster(c.Args().Get(1))
			m.SetAction("setcluster")
			return m.Commit(c.Context, c.String("actor"))
		},
	}
}

func wikiCmd() *cli.Command {
	actorFlag := &cli.StringFlag{Name: "actor", Value: "farmctl"}

	// Every subcommand is one mutator transition on one wiki.
	apply := func(fn func(m *mutator.Mutator, c *cli.Context)) cli.ActionFunc {
		return func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: farmctl wiki %s DBNAME", c.Command.Name)
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			m, err := a.muts.Load(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			fn(m, c)
			return m.Commit(c.Context, c.String("actor"))
		}
	}

	return &cli.Command{
		Name:  "wiki",
		Usage: "flag-level state changes on one wiki",
		Subcommands: []*cli.Command{
			{
				Name: "close", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.MarkClosed() }),
			},
			{
				Name: "reopen", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.MarkActive() }),
			},
			{
				Name: "private", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.MarkPrivate() }),
			},
			{
				Name: "public", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.MarkPublic() }),
			},
			{
				Name: "exempt", ArgsUsage: "DBNAME",
				Flags: []cli.Flag{actorFlag, &cli.StringFlag{Name: "reason", Required: true}},
				Action: apply(func(m *mutator.Mutator, c *cli.Context) {
					m.MarkExempt(c.String("reason"))
				}),
			},
			{
				Name: "unexempt", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.ClearExempt() }),
			},
			{
				Name: "lock", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.Lock() }),
			},
			{
				Name: "unlock", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.Unlock() }),
			},
			{
				Name: "stage-delete", ArgsUsage: "DBNAME",
				Usage: "soft-delete; `farmctl delete` purges after the grace period",
				Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.Delete() }),
			},
			{
				Name: "undelete", ArgsUsage: "DBNAME", Flags: []cli.Flag{actorFlag},
				Action: apply(func(m *mutator.Mutator, _ *cli.Context) { m.Undelete() }),
			},
			{
				Name: "experimental", ArgsUsage: "DBNAME",
				Flags: []cli.Flag{actorFlag, &cli.BoolFlag{Name: "off"}},
				Action: apply(func(m *mutator.Mutator, c *cli.Context) {
					m.SetExperimental(!c.Bool("off"))
				}),
			},
			{
				Name: "notify", ArgsUsage: "DBNAME",
				Usage: "send a notice to a wiki's privileged users",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "body", Value: ""},
					&cli.StringSliceFlag{
						Name:  "recipient",
						Usage: "explicit recipients; default is the wiki's sysop group",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: farmctl wiki notify DBNAME")
					}
					a, err := bootstrap(c.Context)
					if err != nil {
						return err
					}
					return notifyWiki(c.Context, a.store, a.notifier,
						c.Args().First(), c.String("subject"), c.String("body"),
						c.StringSlice("recipient"))
				},
			},
		},
	}
}

// notifyWiki addresses a notice to one wiki's privileged users, or to the
// explicit recipients when given.  The wiki must exist; group expansion
// happens in the delivery subsystem.
func notifyWiki(ctx context.Context, store *registry.Store, n notify.Notifier, dbname, subject, body string, recipients []string) error {
	if _, err := store.ByDBName(ctx, dbname); err != nil {
		return err
	}
	if len(recipients) == 0 {
		recipients = []string{"sysop@" + dbname}
	}
	return n.Send(ctx, notify.Message{
		Category:   notify.CategoryWikiNotice,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	})
}

func rebuildCacheCmd() *cli.Command {
	return &cli.Command{
		Name:      "rebuild-cache",
		Usage:     "regenerate snapshots: all missing ones, or one named wiki",
		ArgsUsage: "[DBNAME]",
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			if c.NArg() == 1 {
				_, err := a.cache.RegenerateWiki(c.Context, c.Args().First())
				return err
			}
			n, err := a.cache.RegenerateMissing(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt %d missing snapshot(s)\n", n)
			return nil
		},
	}
}

func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "run the inactivity sweep (report only unless --write)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "write", Usage: "apply transitions instead of reporting"},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			findings, err := a.sweeper.Run(c.Context, c.Bool("write"))
			if err != nil {
				return err
			}
			for _, f := range findings {
				fmt.Printf("%s\t%s\t%s\n", f.DBName, f.Action, f.Detail)
			}
			fmt.Printf("%d wiki(s) need transitions\n", len(findings))
			return nil
		},
	}
}

func requestCmd() *cli.Command {
	actorFlag := &cli.StringFlag{Name: "actor", Required: true}
	commentFlag := &cli.StringFlag{Name: "comment", Value: ""}

	handler := func(fn func(*app, *cli.Context, int64) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: farmctl request %s ID", c.Command.Name)
			}
			var id int64
			if _, err := fmt.Sscanf(c.Args().First(), "%d", &id); err != nil {
				return fmt.Errorf("bad request id %q", c.Args().First())
			}
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			return fn(a, c, id)
		}
	}

	return &cli.Command{
		Name:  "request",
		Usage: "approval-queue actions",
		Subcommands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "file a new wiki request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subdomain", Required: true},
					&cli.StringFlag{Name: "sitename", Required: true},
					&cli.StringFlag{Name: "language", Value: "en"},
					&cli.BoolFlag{Name: "private"},
					&cli.StringFlag{Name: "category", Value: "uncategorised"},
					&cli.StringFlag{Name: "reason", Value: ""},
					&cli.StringFlag{Name: "purpose", Value: ""},
					&cli.StringFlag{Name: "requester", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := bootstrap(c.Context)
					if err != nil {
						return err
					}
					id, userMsg, err := a.engine.Submit(c.Context, reqflow.SubmitParams{
						Subdomain: c.String("subdomain"),
						Sitename:  c.String("sitename"),
						Language:  c.String("language"),
						Private:   c.Bool("private"),
						Category:  c.String("category"),
						Reason:    c.String("reason"),
						Purpose:   c.String("purpose"),
						Requester: c.String("requester"),
					})
					if err != nil {
						return err
					}
					if userMsg != "" {
						return fmt.Errorf("rejected: %s", userMsg)
					}
					fmt.Printf("filed request %d\n", id)
					return nil
				},
			},
			{
				Name: "approve", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag, commentFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.Approve(c.Context, id, c.String("actor"), c.String("comment"))
				}),
			},
			{
				Name: "decline", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag, commentFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.Decline(c.Context, id, c.String("actor"), c.String("comment"))
				}),
			},
			{
				Name: "onhold", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag, commentFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.OnHold(c.Context, id, c.String("actor"), c.String("comment"))
				}),
			},
			{
				Name: "moredetails", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag, commentFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.MoreDetails(c.Context, id, c.String("actor"), c.String("comment"))
				}),
			},
			{
				Name: "comment", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag, commentFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.AddComment(c.Context, id, c.String("actor"), c.String("comment"))
				}),
			},
			{
				Name: "lock", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.Lock(c.Context, id, c.String("actor"))
				}),
			},
			{
				Name: "unlock", ArgsUsage: "ID", Flags: []cli.Flag{actorFlag},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.Unlock(c.Context, id, c.String("actor"))
				}),
			},
			{
				Name: "visibility", ArgsUsage: "ID",
				Flags: []cli.Flag{actorFlag, &cli.IntFlag{Name: "level", Required: true}},
				Action: handler(func(a *app, c *cli.Context, id int64) error {
					return a.engine.SetVisibility(c.Context, id, c.Int("level"), c.String("actor"))
				}),
			},
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the admin HTTP surface",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "", Usage: "override http.listen_addr"},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c.Context)
			if err != nil {
				return err
			}
			addr := c.String("listen")
			if addr == "" {
				addr = a.cfg.HTTP.ListenAddr
			}
			if addr == "" {
				addr = ":8090"
			}
			srv := adminapi.New(a.store, a.cache)
			a.log.Infow("admin surface listening", "addr", addr)
			return http.ListenAndServe(addr, srv.Router())
		},
	}
}
