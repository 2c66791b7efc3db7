package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/admin"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/server"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	quality    string
	outputFile string
	assumeYes  bool

	serveCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Serve cached tracks over HTTP",
		Long:    paragraph(fmt.Sprintf("\n%s tracks over HTTP, fetching and tagging them on first request.", keyword("Serve"))),
		Example: paragraph("tunecache serve\ntunecache serve --mode hybrid"),
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}

	getCmd = &cobra.Command{
		Use:     "get ID",
		Short:   "Fetch a track into the cache",
		Example: paragraph("tunecache get 12345 --quality high\ntunecache get 12345 -o song.mp3"),
		Args:    cobra.ExactArgs(1),
		RunE:    runGet,
	}

	rmCmd = &cobra.Command{
		Use:     "rm ID",
		Short:   "Remove every cached tier of an item",
		Aliases: []string{"rmcache"},
		Args:    cobra.ExactArgs(1),
		RunE:    runRm,
	}

	clearCmd = &cobra.Command{
		Use:     "clear",
		Short:   "Remove every cached record",
		Long:    paragraph(fmt.Sprintf("\n%s every cached record. You'll be asked to confirm unless --yes is given.", keyword("Remove"))),
		Aliases: []string{"clearallcache"},
		Args:    cobra.NoArgs,
		RunE:    runClear,
	}

	exportCmd = &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write all records as zstd-compressed JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

func init() {
	getCmd.Flags().StringVarP(&quality, "quality", "q", string(cache.QualityStandard), "quality tier: standard, high or lossless")
	getCmd.Flags().StringVarP(&outputFile, "output", "o", "", "copy the tagged audio to this file ('-' for stdout)")
	clearCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(a.svc, a.store, a.admin, a.monitor, nil)
	return srv.Run(ctx, cfg.Server.Addr) //nolint:wrapcheck
}

func parseItemID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", arg)
	}
	return id, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	id, err := parseItemID(args[0])
	if err != nil {
		return err
	}
	q, err := cache.ParseQuality(quality)
	if err != nil {
		return err
	}

	a, err := openApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rec, err := a.svc.Get(ctx, cache.Key{ItemID: id, Quality: q})
	if err != nil {
		log.Debug("Get failed", "error", errors.Unwrap(err))
		return err
	}

	if outputFile != "" {
		return copyAudio(a.store, rec, outputFile)
	}

	fmt.Printf("%s %s\n", keyword(rec.Title), faint(rec.Key.String()))
	fmt.Printf("  %s / %s\n", rec.Artist, rec.Album)
	fmt.Printf("  %s, %s", rec.Format, humanize.IBytes(uint64(rec.Size))) //nolint:gosec
	if rec.BitrateBPS > 0 {
		fmt.Printf(", %s/s", humanize.SI(float64(rec.BitrateBPS), "bit"))
	}
	fmt.Printf("\n  %s\n", faint(rec.Location.Path))
	return nil
}

func copyAudio(store *cache.Store, rec *cache.Record, dst string) error {
	r, err := store.OpenAudio(rec)
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck

	var w io.Writer = os.Stdout
	if dst != "-" {
		f, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("unable to create output file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("unable to write audio: %w", err)
	}
	return nil
}

func runRm(_ *cobra.Command, args []string) error {
	id, err := parseItemID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	out, err := a.localAdmin().ClearOne(localIdentity, id)
	if err != nil {
		return err
	}
	fmt.Println(out.Text)
	return nil
}

func runClear(_ *cobra.Command, _ []string) error {
	a, err := openApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	mgr := a.localAdmin()
	out, err := mgr.ClearAll(localIdentity, "")
	if err != nil {
		return err
	}

	if !assumeYes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to clear the cache without a terminal: pass --yes")
		}
		fmt.Println(paragraph(out.Text))
		fmt.Printf("Type %s to proceed: ", keyword(admin.ConfirmArg))
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != admin.ConfirmArg {
			fmt.Println("Aborted.")
			return nil
		}
	}

	out, err = mgr.ClearAll(localIdentity, admin.ConfirmArg)
	if err != nil {
		if errors.Is(err, admin.ErrConfirmationExpired) {
			fmt.Println(out.Text)
			return nil
		}
		return err
	}
	fmt.Println(out.Text)
	return nil
}

func runExport(_ *cobra.Command, args []string) error {
	a, err := openApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	var w io.Writer = os.Stdout
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("unable to create export file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}

	n, err := a.store.Export(w)
	if err != nil {
		return err
	}
	log.Info("Exported records", "count", n)
	return nil
}

func runStats(_ *cobra.Command, _ []string) error {
	a, err := openApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	st, err := a.store.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("%s %d records, %s\n", keyword("cache"), st.Records, humanize.IBytes(uint64(st.Bytes))) //nolint:gosec

	formats := make([]string, 0, len(st.ByFormat))
	for f := range st.ByFormat {
		formats = append(formats, string(f))
	}
	sort.Strings(formats)
	for _, f := range formats {
		fmt.Printf("  %-6s %d\n", f, st.ByFormat[storage.Format(f)])
	}

	budget := a.cfg.Storage.Budget()
	fmt.Printf("%s %s (threshold %s, safety %s), %s available\n",
		keyword("memory"),
		a.cfg.Storage.Policy,
		humanize.IBytes(budget.ThresholdBytes),
		humanize.IBytes(budget.SafetyBytes),
		humanize.IBytes(a.monitor.Available()))
	fmt.Printf("%s %s\n", keyword("location"), faint(a.cfg.Storage.CacheDir))
	return nil
}
