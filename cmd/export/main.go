package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/parq"
	"github.com/ericvolp12/clanlog/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "clanlog-export",
		Usage:   "export stored clan chat messages to parquet",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "./data/clanlog.db",
			EnvVars: []string{"CLANLOG_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "output-dir",
			Usage:   "directory to write the parquet files to",
			Value:   "./out",
			EnvVars: []string{"CLANLOG_EXPORT_DIR"},
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "file name prefix",
			Value: "clanlog",
		},
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "rows read from the database per batch",
			Value: 10_000,
		},
	}

	app.ArgsUsage = "[category]"

	app.Action = Export

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Export(cctx *cli.Context) error {
	ctx := cctx.Context

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	st, err := store.Open(logger, cctx.String("sqlite-path"), false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	p, err := parq.NewParq(logger, st, cctx.String("output-dir"), cctx.String("prefix"), cctx.Int("batch-size"))
	if err != nil {
		return err
	}

	start := time.Now()

	if name := cctx.Args().First(); name != "" {
		c, ok := classify.ParseCategory(name)
		if !ok {
			return fmt.Errorf("unknown category %q", name)
		}
		fName := p.FileName(c, start)
		n, err := p.Export(ctx, c, fName)
		if err != nil {
			return err
		}
		logger.Info("export complete", "file_path", fName, "num_records", n, "took", time.Since(start).String())
		return nil
	}

	files, err := p.ExportAll(ctx)
	if err != nil {
		return err
	}

	logger.Info("export complete", "num_files", len(files), "output_dir", cctx.String("output-dir"), "took", time.Since(start).String())

	return nil
}
