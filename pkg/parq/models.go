package parq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/store"
)

type Record struct {
	ID        int64  `parquet:"id"`
	CreatedAt int64  `parquet:"created_at"`
	Category  string `parquet:"category,dict"`
	Sender    string `parquet:"sender"`
	Body      string `parquet:"body"`
	MessageID string `parquet:"message_id"`
}

func fromRow(c classify.Category, r store.Row) Record {
	return Record{
		ID:        int64(r.ID),
		CreatedAt: r.CreatedAt.UTC().UnixMilli(),
		Category:  c.String(),
		Sender:    r.Sender,
		Body:      r.Body,
		MessageID: r.MessageID,
	}
}

// Parq exports category tables to parquet files.
type Parq struct {
	logger    *slog.Logger
	store     *store.Store
	fileDir   string
	prefix    string
	batchSize int
}

func NewParq(logger *slog.Logger, st *store.Store, fileDir, prefix string, batchSize int) (*Parq, error) {
	p := Parq{
		logger:    logger.With("module", "parq"),
		store:     st,
		fileDir:   fileDir,
		prefix:    prefix,
		batchSize: batchSize,
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

// FileName is where Export writes category c for a run started at ts.
func (p *Parq) FileName(c classify.Category, ts time.Time) string {
	return path.Join(p.fileDir, fmt.Sprintf("%s_%s_%s.parquet", p.prefix, c.Table(), ts.UTC().Format("2006_01_02-15_04_05")))
}

// ExportAll writes one file per category table and returns the paths written.
func (p *Parq) ExportAll(ctx context.Context) ([]string, error) {
	ts := time.Now()
	files := make([]string, 0, len(classify.Categories()))
	for _, c := range classify.Categories() {
		fName := p.FileName(c, ts)
		if _, err := p.Export(ctx, c, fName); err != nil {
			return files, err
		}
		files = append(files, fName)
	}
	return files, nil
}

// Export streams category c to fName in batches and returns the number of
// rows written.
func (p *Parq) Export(ctx context.Context, c classify.Category, fName string) (int, error) {
	filterBits := uint(10)

	p.logger.Info("writing parquet file", "file_path", fName, "category", c.String())

	f, err := os.Create(fName)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[Record](f, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "sender"),
		parquet.SplitBlockFilter(filterBits, "message_id"),
	))

	n := 0
	buf := make([]Record, 0, p.batchSize)
	err = p.store.Scan(ctx, c, p.batchSize, func(rows []store.Row) error {
		buf = buf[:0]
		for _, r := range rows {
			buf = append(buf, fromRow(c, r))
		}
		written, err := w.Write(buf)
		n += written
		return err
	})
	if err != nil {
		return n, fmt.Errorf("failed to write parquet file: %w", err)
	}

	if err := w.Close(); err != nil {
		return n, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	p.logger.Info("wrote parquet file", "file_path", fName, "num_records", n)

	return n, nil
}
