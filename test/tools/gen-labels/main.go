// Command gen-labels writes a labelled MPEG transport stream to a file or
// pushes it live over SRT, one label per interval.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/conflabel/test/tools/tsutil"
)

type options struct {
	count          int
	classification string
	releasable     []string
	nulls          int
	gapAfter       int
	gapLabels      int
}

// segments returns one chunk of transport stream per label interval. The
// PAT and PMT are repeated every ten intervals. Intervals inside the gap
// carry null packets only.
func segments(o options) ([][]byte, error) {
	m := tsutil.NewMux()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out [][]byte
	for i := range o.count {
		var seg []byte
		if i%10 == 0 {
			seg = append(seg, m.PAT()...)
			seg = append(seg, m.PMT()...)
		}
		inGap := o.gapAfter > 0 && i >= o.gapAfter && i < o.gapAfter+o.gapLabels
		if !inGap {
			unit, err := tsutil.EncodeLabel(tsutil.LabelSpec{
				Classification: o.classification,
				Releasable:     o.releasable,
				Created:        created.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return nil, fmt.Errorf("label %d: %w", i, err)
			}
			seg = append(seg, m.Label(unit, int64(i)*90000)...)
		}
		for range o.nulls {
			seg = append(seg, m.Null()...)
		}
		out = append(out, seg)
	}
	return out, nil
}

func main() {
	outFlag := flag.String("out", "", "write the stream to this file")
	pushFlag := flag.String("push", "", "push the stream to this SRT listener address")
	keyFlag := flag.String("key", "labels", "SRT stream key")
	countFlag := flag.Int("count", 60, "number of label intervals")
	intervalFlag := flag.Duration("interval", time.Second, "pacing between labels when pushing")
	classFlag := flag.String("classification", "UNCLASSIFIED", "label classification")
	relFlag := flag.String("releasable", "GBR,USA", "comma separated releasable-to values")
	nullsFlag := flag.Int("nulls", 20, "null packets per interval")
	gapAfterFlag := flag.Int("gap-after", 0, "omit labels starting at this interval, 0 disables")
	gapFlag := flag.Int("gap", 10, "number of intervals without a label")
	flag.Parse()

	if *outFlag == "" && *pushFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  gen-labels -out labels.ts [-count 60]\n")
		fmt.Fprintf(os.Stderr, "  gen-labels -push 127.0.0.1:6000 [-key labels] [-interval 1s]\n")
		os.Exit(1)
	}

	var releasable []string
	if *relFlag != "" {
		releasable = strings.Split(*relFlag, ",")
	}
	segs, err := segments(options{
		count:          *countFlag,
		classification: *classFlag,
		releasable:     releasable,
		nulls:          *nullsFlag,
		gapAfter:       *gapAfterFlag,
		gapLabels:      *gapFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		os.Exit(1)
	}

	if *outFlag != "" {
		var data []byte
		for _, s := range segs {
			data = append(data, s...)
		}
		if err := os.WriteFile(*outFlag, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s (%d packets, %d intervals)\n", *outFlag, len(data)/tsutil.TSPacketSize, len(segs))
	}

	if *pushFlag != "" {
		if err := push(*pushFlag, "live/"+*keyFlag, segs, *intervalFlag); err != nil {
			fmt.Fprintf(os.Stderr, "push: %v\n", err)
			os.Exit(1)
		}
	}
}

func push(addr, streamID string, segs [][]byte, interval time.Duration) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID

	fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect: %w", err)
	}
	defer conn.Close()

	chunk := tsutil.TSPacketSize * 7
	start := time.Now()
	for i, seg := range segs {
		for off := 0; off < len(seg); off += chunk {
			end := min(off+chunk, len(seg))
			if _, err := conn.Write(seg[off:end]); err != nil {
				return err
			}
		}
		// pace against the start so drift does not accumulate
		if wait := time.Until(start.Add(time.Duration(i+1) * interval)); wait > 0 {
			time.Sleep(wait)
		}
	}
	fmt.Printf("[%s] Sent %d intervals in %s\n", streamID, len(segs), time.Since(start).Truncate(time.Millisecond))
	return nil
}
