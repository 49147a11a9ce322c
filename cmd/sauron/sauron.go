// The sauron command archives mail from monitored accounts into a
// local, searchable, deduplicated index.
//
// Usage:
//
//	sauron [flags] import
//	sauron [flags] recent [-limit n]
//	sauron [flags] search <term>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/freerange/Sauron/internal/config"
	"github.com/freerange/Sauron/internal/homedir"
	"github.com/freerange/Sauron/internal/importer"
	"github.com/freerange/Sauron/internal/index"
	"github.com/freerange/Sauron/internal/mailbox"
	"github.com/freerange/Sauron/internal/message"
	"github.com/freerange/Sauron/internal/rawstore"
	"github.com/freerange/Sauron/internal/wiretrace"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace  = flag.Bool("T", false, "request wire tracing of the mailbox protocol")
	flagConfig = flag.String("config", "", "path to the configuration file")
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *index.DB
	debug  io.Writer
}

func newApp(ctx context.Context) (*app, error) {
	path := *flagConfig
	if path == "" {
		path = filepath.Join(homedir.Get(), ".sauron.yml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load configuration")
	}

	storePath := cfg.MessageStore
	if storePath == "" {
		storePath = filepath.Join(homedir.Get(), ".sauron", "messages")
	}
	store, err := rawstore.New(storePath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize message store")
	}

	dbPath := cfg.Database
	if dbPath == "" {
		dbPath = filepath.Join(homedir.Get(), ".sauron.db")
	}
	db, err := index.Open(ctx, dbPath, store)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}

	a := &app{
		cfg:    cfg,
		logger: newLogger(cfg.LogLevel),
		db:     db,
	}
	if *flagTrace {
		a.debug = wiretrace.Writer()
	}
	return a, nil
}

func (a *app) close() {
	a.db.Close()
}

func (a *app) runImport(ctx context.Context) error {
	sources := make([]importer.Source, 0, len(a.cfg.Accounts))
	for _, acct := range a.cfg.Accounts {
		acct := acct
		sources = append(sources, func(ctx context.Context) (importer.Mailbox, error) {
			return mailbox.Connect(ctx, acct.Addr(), credentials(acct), a.debug)
		})
	}
	return importer.ImportAll(ctx, a.db, a.logger, sources)
}

// credentials maps a configured account onto the mailbox credential
// forms: an OAuth token when configured, a plain password otherwise.
func credentials(acct config.Account) mailbox.Credentials {
	creds := mailbox.Credentials{Email: acct.Email, Password: acct.Password}
	if acct.Token != "" {
		creds.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: acct.Token})
	}
	return creds
}

func (a *app) runRecent(ctx context.Context, limit int) error {
	msgs, err := a.db.MostRecent(ctx, limit, a.cfg.ExcludedSenders)
	if err != nil {
		return err
	}
	return printMessages(msgs)
}

func (a *app) runSearch(ctx context.Context, term string) error {
	msgs, err := a.db.Search(ctx, term)
	if err != nil {
		return err
	}
	return printMessages(msgs)
}

func printMessages(msgs []*message.Message) error {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.Date.Format("2006-01-02 15:04"), m.From, m.Subject, m.ID)
	}
	return w.Flush()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, args []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cmd := "import"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "import":
		return a.runImport(ctx)
	case "recent":
		fs := flag.NewFlagSet("recent", flag.ExitOnError)
		limit := fs.Int("limit", 20, "max messages to show")
		fs.Parse(args)
		return a.runRecent(ctx, *limit)
	case "search":
		if len(args) < 1 {
			return errors.New("search: term required")
		}
		return a.runSearch(ctx, args[0])
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

func main() {
	flag.Parse()

	if err := run(context.Background(), flag.Args()); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
