package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/mikequentel/notesky/internal/compose"
	"github.com/mikequentel/notesky/internal/config"
	errs "github.com/mikequentel/notesky/internal/errors"
	"github.com/mikequentel/notesky/internal/model"
	"github.com/mikequentel/notesky/internal/preview"
	"github.com/mikequentel/notesky/internal/richtext"
	"github.com/mikequentel/notesky/internal/store"
	"github.com/mikequentel/notesky/internal/xrpc"
)

// deps is everything a command needs; nil only for --help and --version.
type deps struct {
	cfg    *config.Config
	store  *store.Store
	logger *zap.Logger
	hc     *http.Client
}

// settings merges the stored settings with the environment.
func (d *deps) settings(ctx context.Context) (model.Settings, error) {
	stored, err := d.store.LoadSettings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	return d.cfg.Apply(stored), nil
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(d *deps) *cli.App {
	app := &cli.App{
		Name:    "notesky",
		Usage:   "Post notes to Bluesky",
		Version: Version,
		Commands: []*cli.Command{
			postCmd(d),
			loginCmd(d),
			settingsCmd(d),
			previewCmd(d),
			facetsCmd(),
			historyCmd(d),
		},
	}
	// Return errors from Run instead of exiting, so tests can inspect them
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// postCmd composes and submits one post.
func postCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "post",
		Usage: "Create a post (from --text, a whole --note, or a --selection piped on stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Usage: "Post text"},
			&cli.StringFlag{Name: "note", Aliases: []string{"n"}, Usage: "Post the whole note at this path"},
			&cli.BoolFlag{Name: "selection", Aliases: []string{"s"}, Usage: "Post the selected text read from stdin"},
			&cli.StringSliceFlag{Name: "image", Aliases: []string{"i"}, Usage: "Attach an image (repeatable, at most 4)"},
			&cli.BoolFlag{Name: "no-hashtags", Usage: "Do not append the default hashtags"},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			text, err := postSource(c)
			if err != nil {
				return outputError(err)
			}
			settings, err := d.settings(ctx)
			if err != nil {
				return outputError(err)
			}
			hashtags := settings.DefaultHashtags
			if c.Bool("no-hashtags") {
				hashtags = ""
			}

			files, err := readAttachments(c.StringSlice("image"))
			if err != nil {
				return outputError(err)
			}

			// DRY_RUN builds the draft only, so no session is needed
			var pub compose.Publisher
			if !d.cfg.DryRun {
				pub = newSession(d, settings)
			}
			comp := compose.New(pub, preview.NewFetcher(d.hc, d.logger), compose.Options{
				InitialText:     text,
				DefaultHashtags: hashtags,
				Debounce:        d.cfg.PreviewDebounce,
				Notifier:        notifier{w: c.App.ErrWriter},
				History:         d.store,
				Logger:          d.logger,
			})
			defer comp.Close()
			comp.OnPreview(func(p *model.LinkPreview) {
				if p != nil {
					fmt.Fprintf(c.App.ErrWriter, "Link card: %s (%s)\n", p.Title, p.Domain)
				}
			})

			if err := comp.Attach(files...); err != nil {
				return reported(err)
			}

			if d.cfg.DryRun {
				return dryRun(c.App.Writer, comp)
			}

			comp.RefreshPreview(ctx)
			out, err := comp.Submit(ctx)
			if err != nil {
				return reported(err)
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

// postSource picks the text to compose from at most one of the sources.
func postSource(c *cli.Context) (string, error) {
	set := 0
	for _, name := range []string{"text", "note", "selection"} {
		if c.IsSet(name) {
			set++
		}
	}
	if set > 1 {
		return "", errs.NewValidation("use only one of --text, --note and --selection")
	}

	switch {
	case c.Bool("selection"):
		b, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return "", errs.NewValidation("no text selected")
		}
		return text, nil
	case c.IsSet("note"):
		b, err := os.ReadFile(c.String("note"))
		if err != nil {
			return "", fmt.Errorf("read note: %w", err)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return "", errs.NewValidation("note is empty")
		}
		return text, nil
	}
	return c.String("text"), nil
}

func readAttachments(paths []string) ([]model.Attachment, error) {
	files := make([]model.Attachment, 0, len(paths))
	for _, p := range paths {
		if err := ensureFile(p); err != nil {
			return nil, fmt.Errorf("image missing or unreadable: %s (%w)", p, err)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, model.Attachment{Name: filepath.Base(p), Data: b})
	}
	return files, nil
}

// dryRun prints what would be posted. Nothing leaves the machine.
func dryRun(w io.Writer, comp *compose.Composer) error {
	d, err := comp.Draft()
	if err != nil {
		return outputError(err)
	}
	n, _ := comp.Count()
	fmt.Fprintln(w, "DRY RUN ✅ (no network calls)")
	fmt.Fprintf(w, "Will post (%d/%d):\n---\n%s\n---\n", n, richtext.MaxPostBytes, d.Text)
	for _, img := range d.Images {
		fmt.Fprintf(w, "Image: %s (%s, %d bytes)\n", img.Name, img.MimeType, len(img.Data))
	}
	return outputJSON(w, model.PostRecord{Text: d.Text, CreatedAt: time.Now(), Facets: d.Facets})
}

// loginCmd checks the credentials.
func loginCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Verify the handle and app password",
		Action: func(c *cli.Context) error {
			settings, err := d.settings(c.Context)
			if err != nil {
				return outputError(err)
			}
			s := newSession(d, settings)
			if err := s.Login(c.Context); err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, map[string]string{
				"handle": s.Handle(),
				"did":    s.Credentials().DID,
				"avatar": s.Avatar(),
			})
		},
	}
}

// settingsCmd shows or edits the stored settings.
func settingsCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Show or change the stored settings",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective settings (password masked)",
				Action: func(c *cli.Context) error {
					s, err := d.settings(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c.App.Writer, map[string]string{
						"handle":          s.Handle,
						"password":        mask(s.AppPassword),
						"defaultHashtags": s.DefaultHashtags,
					})
				},
			},
			{
				Name:  "set",
				Usage: "Change the stored settings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "handle", Usage: "Bluesky handle"},
					&cli.StringFlag{Name: "hashtags", Usage: "Hashtags appended to new posts"},
					&cli.BoolFlag{Name: "password", Usage: "Prompt for the app password (or read one line from stdin)"},
				},
				Action: func(c *cli.Context) error {
					s, err := d.store.LoadSettings(c.Context)
					if err != nil {
						return outputError(err)
					}
					if c.IsSet("handle") {
						s.Handle = strings.TrimSpace(c.String("handle"))
					}
					if c.IsSet("hashtags") {
						s.DefaultHashtags = strings.TrimSpace(c.String("hashtags"))
					}
					if c.Bool("password") {
						if s.AppPassword, err = readSecret(c); err != nil {
							return outputError(err)
						}
					}
					if err := d.store.SaveSettings(c.Context, s); err != nil {
						return outputError(err)
					}
					d.logger.Info("settings saved", zap.String("handle", s.Handle))
					return nil
				},
			},
		},
	}
}

// previewCmd fetches the link card for a URL.
func previewCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:      "preview",
		Usage:     "Fetch the link card for a URL",
		ArgsUsage: "<url>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errs.NewValidation("preview takes exactly one URL"))
			}
			p := preview.NewFetcher(d.hc, d.logger).Fetch(c.Context, c.Args().First())
			return outputJSON(c.App.Writer, p)
		},
	}
}

type facetView struct {
	Kind      string `json:"kind"`
	ByteStart int    `json:"byteStart"`
	ByteEnd   int    `json:"byteEnd"`
	Value     string `json:"value"`
	Match     string `json:"match"`
}

// facetsCmd shows the byte count and detected facets of a text.
func facetsCmd() *cli.Command {
	return &cli.Command{
		Name:      "facets",
		Usage:     "Show the byte count and facets of a text (reads stdin without an argument)",
		ArgsUsage: "[text]",
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			if c.NArg() == 0 {
				b, err := io.ReadAll(c.App.Reader)
				if err != nil {
					return outputError(err)
				}
				text = string(b)
			}
			facets := richtext.DetectFacets(text)
			views := make([]facetView, 0, len(facets))
			for _, f := range facets {
				match, _ := richtext.Slice(text, f)
				views = append(views, facetView{
					Kind:      f.Kind.String(),
					ByteStart: f.ByteStart,
					ByteEnd:   f.ByteEnd,
					Value:     f.Value,
					Match:     match,
				})
			}
			return outputJSON(c.App.Writer, struct {
				Bytes  int         `json:"bytes"`
				Max    int         `json:"max"`
				Over   bool        `json:"over"`
				Facets []facetView `json:"facets"`
			}{richtext.ByteLen(text), richtext.MaxPostBytes, richtext.OverLimit(text), views})
		},
	}
}

// historyCmd lists what has been posted from this machine.
func historyCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent posts",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum entries (0 for all)"},
		},
		Action: func(c *cli.Context) error {
			entries, err := d.store.History(c.Context, c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			type row struct {
				URI      string `json:"uri"`
				CID      string `json:"cid"`
				Text     string `json:"text"`
				PostedAt string `json:"postedAt"`
			}
			rows := make([]row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, row{e.URI, e.CID, e.Text, e.PostedAt.Format("2006-01-02 15:04:05Z07:00")})
			}
			return outputJSON(c.App.Writer, rows)
		},
	}
}

type notifier struct{ w io.Writer }

func (n notifier) Notify(msg string) { fmt.Fprintln(n.w, msg) }

func newSession(d *deps, settings model.Settings) *xrpc.Session {
	return xrpc.NewSession(d.hc, d.cfg.Service, settings, d.logger)
}

// readSecret prompts without echo on a terminal, else reads one line.
func readSecret(c *cli.Context) (string, error) {
	if f, ok := c.App.Reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.App.ErrWriter, "App password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.App.ErrWriter)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(c.App.Reader).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func ensureFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}
	return nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// reportedError is an error the composer already showed as a notice.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func reported(err error) error { return reportedError{err: outputError(err)} }

// reportError prints err to w unless it was already shown as a notice.
func reportError(w io.Writer, err error) {
	var rep reportedError
	if errors.As(err, &rep) {
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// outputError formats err for the CLI.
func outputError(err error) error {
	var pErr *errs.PostError
	if errors.As(err, &pErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", pErr.Code, errs.MessageOf(err)), 1)
	}
	return cli.Exit(err.Error(), 1)
}
