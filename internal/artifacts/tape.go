package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// TapeRow is one quote attempt of a cycle, whatever became of it.
type TapeRow struct {
	CycleID      string `parquet:"name=cycle_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	BlockNumber  int64  `parquet:"name=block_number, type=INT64"`
	TimestampMs  int64  `parquet:"name=timestamp_ms, type=INT64"`
	Pair         string `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	DexID        string `parquet:"name=dex_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Fee          int32  `parquet:"name=fee, type=INT32"`
	Pool         string `parquet:"name=pool, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction    string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Size         string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountIn     string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountOut    string `parquet:"name=amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	ImpliedPrice string `parquet:"name=implied_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasEstimate  int64  `parquet:"name=gas_estimate, type=INT64"`
	TicksCrossed *int32 `parquet:"name=ticks_crossed, type=INT32, repetitiontype=OPTIONAL"`
	LatencyMs    int64  `parquet:"name=latency_ms, type=INT64"`
	Endpoint     string `parquet:"name=endpoint, type=BYTE_ARRAY, convertedtype=UTF8"`
	// PASSED, REJECTED, CODE_ERROR or FETCH_FAILED
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	RejectCode string `parquet:"name=reject_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
}

const tapeParallelism = 4

// EncodeTape renders rows as a snappy-compressed parquet file in memory.
func EncodeTape(rows []TapeRow) ([]byte, error) {
	bf := buffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(bf, new(TapeRow), tapeParallelism)
	if err != nil {
		return nil, fmt.Errorf("create tape writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return nil, fmt.Errorf("write tape row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish tape: %w", err)
	}
	return bf.Bytes(), nil
}

// PutTape encodes rows and stores them under the cycle's tape key.
func PutTape(ctx context.Context, sink Sink, ts time.Time, rows []TapeRow) (string, error) {
	body, err := EncodeTape(rows)
	if err != nil {
		return "", err
	}
	key := TapeKey(ts)
	if err := sink.Put(ctx, key, body, ContentTypeParquet); err != nil {
		return "", err
	}
	return key, nil
}

// DecodeTape reads a tape produced by EncodeTape.
func DecodeTape(data []byte) ([]TapeRow, error) {
	return readTape(buffer.NewBufferFileFromBytes(data))
}

// ReadTapeFile reads a tape from disk, e.g. one written through a FileSink.
func ReadTapeFile(path string) ([]TapeRow, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open tape %s: %w", path, err)
	}
	defer fr.Close()
	return readTape(fr)
}

func readTape(pf source.ParquetFile) ([]TapeRow, error) {
	pr, err := reader.NewParquetReader(pf, new(TapeRow), tapeParallelism)
	if err != nil {
		return nil, fmt.Errorf("create tape reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]TapeRow, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	return rows, nil
}
