package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/config"
	"giftcode-redeemer/pkg/db"
	"giftcode-redeemer/pkg/gen"
	"giftcode-redeemer/pkg/hashistack/secretmanager"
	"giftcode-redeemer/pkg/logger"
	"giftcode-redeemer/pkg/redis"
	"giftcode-redeemer/services/redemption"
)

func main() {
	var (
		code        = pflag.StringP("code", "c", "", "gift code to redeem")
		file        = pflag.StringP("file", "f", "-", `roster file with one "fid[,name]" per line, "-" for stdin`)
		concurrency = pflag.IntP("concurrency", "n", 0, "parallel workers (0 uses REDEEM.CONCURRENCY)")
		itemDelay   = pflag.Duration("item-delay", 0, "pause between items per worker (0 uses REDEEM.ITEM_DELAY)")
	)
	pflag.Parse()

	items, err := loadItems(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redeem:", err)
		os.Exit(2)
	}

	var svc *redemption.Service
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		redemption.Module,
		fx.Populate(&svc),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "redeem:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []redemption.RunOption
	if *concurrency > 0 {
		opts = append(opts, redemption.WithConcurrency(*concurrency))
	}
	if *itemDelay > 0 {
		opts = append(opts, redemption.WithItemDelay(*itemDelay))
	}

	progress := func(processed, total int, r redemption.Result) {
		zap.L().Info("item finished",
			zap.String("progress", fmt.Sprintf("%d/%d", processed, total)),
			zap.String("fid", r.FID),
			zap.String("nickname", r.Nickname),
			zap.String("status", r.Status.String()),
			zap.String("reason", r.Reason),
		)
	}

	job, results, runErr := svc.RunBatch(ctx, *code, items, progress, opts...)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	_ = app.Stop(stopCtx)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "redeem:", runErr)
		os.Exit(1)
	}

	printSummary(os.Stdout, job, results)
	if redemption.Summarize(results).Failed > 0 {
		os.Exit(3)
	}
}

func loadItems(path string) ([]redemption.Item, error) {
	if path == "-" {
		return readItems(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readItems(f)
}

func printSummary(w io.Writer, job *redemption.RedemptionJob, results []redemption.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FID\tNICKNAME\tSTATUS\tATTEMPTS\tREASON")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.FID, r.Nickname, r.Status, r.Attempts, r.Reason)
	}
	_ = tw.Flush()

	sum := redemption.Summarize(results)
	fmt.Fprintf(w, "\njob %s: %d success, %d skipped, %d failed, %d total\n",
		job.ID, sum.Success, sum.Skipped, sum.Failed, sum.Total)
}
