package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"pose-stream-go/internal/ingest"
	"pose-stream-go/internal/output"
)

type recordSummary struct {
	FrameNum       int                `json:"frame_num,omitempty"`
	FrameDataBytes int                `json:"frame_data_bytes,omitempty"`
	Landmarks      int                `json:"landmarks"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func main() {
	var (
		path     = flag.String("path", "", "Path to rawlog .bin file")
		limit    = flag.Int("limit", 1, "Number of records to dump, 0 for all")
		encoding = flag.String("frame-encoding", string(ingest.EncodingBase64), "frame_data text encoding: base64 or latin1")
		raw      = flag.Bool("raw", false, "Print the payload as decoded instead of a summary")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatalf("read rawlog: %v", err)
	}
	opts := ingest.Options{FrameEncoding: ingest.FrameEncoding(*encoding)}

	for count := 0; *limit <= 0 || count < *limit; count++ {
		rec, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Fatalf("read record: %v", err)
			}
			return
		}
		log.Printf("record %d timestamp=%s kind=%s size=%d", count, rec.Time.Format(time.RFC3339Nano), rec.Kind, len(rec.Payload))

		var value any
		if *raw {
			value, err = decodeRaw(rec)
		} else {
			value, err = summarize(rec, opts)
		}
		if err != nil {
			log.Printf("record %d: %v", count, err)
			continue
		}
		pretty, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}
		fmt.Println(string(pretty))
	}
}

func summarize(rec output.RawRecord, opts ingest.Options) (recordSummary, error) {
	msg, err := ingest.Parse(rec.Kind, rec.Payload, opts)
	if err != nil {
		return recordSummary{}, err
	}
	return recordSummary{
		FrameNum:       msg.FrameNum,
		FrameDataBytes: len(msg.FrameData),
		Landmarks:      len(msg.Landmarks),
		Metrics:        msg.Metrics,
		Error:          msg.Error,
	}, nil
}

func decodeRaw(rec output.RawRecord) (any, error) {
	var decoded any
	switch rec.Kind {
	case ingest.Binary:
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			return nil, fmt.Errorf("CBOR decode error: %w", err)
		}
	default:
		if err := json.Unmarshal(rec.Payload, &decoded); err != nil {
			return nil, fmt.Errorf("JSON decode error: %w", err)
		}
	}
	return output.NormalizeJSONValue(decoded), nil
}
