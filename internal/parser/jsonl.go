package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

const (
	headRecords    = 64        // records decoded for metadata
	titleScanLimit = 512       // records searched for a title when the head has none
	tailBytes      = 64 << 10  // suffix decoded for the end time
	readBufSize    = 256 << 10
	maxLineBytes   = 32 << 20 // longer records are skipped as malformed
)

// dialect describes one JSONL log format.
type dialect struct {
	source session.Source

	// probe reports whether a raw line may carry events, without decoding it.
	// It may flag too much but must never miss a line decode would count.
	probe func(line []byte) bool

	// tally decodes a flagged line just far enough to count its events and commands.
	// It must agree with decode, including rejecting the lines decode rejects.
	tally func(line []byte) (events, commands int, ok bool)

	// inspect decodes a line and fills empty metadata fields from it.
	// ok is false when the line is not a JSON record.
	inspect func(line []byte, md *Metadata) (ts time.Time, ok bool)

	// decode turns one line into zero or more transcript events.
	decode func(line []byte) (events []session.Event, ok bool)

	// finish runs once after the lightweight scan, for sidecar files.
	finish func(path string, md *Metadata)
}

// jsonlParser implements Parser for line-delimited JSON logs.
type jsonlParser struct {
	d dialect
}

func (p *jsonlParser) Source() session.Source {
	return p.d.source
}

// ParseLightweight scans the file once, decoding only a bounded head and tail.
func (p *jsonlParser) ParseLightweight(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat session log: %w", err)
	}

	md := &Metadata{}
	var records, decoded int
	err = forEachLine(f, func(line []byte) {
		records++
		var events, commands int
		if p.d.probe(line) {
			if n, c, ok := p.d.tally(line); ok {
				events, commands = n, c
			}
		}
		md.EventCount += events
		md.CommandCount += commands

		if records > headRecords {
			if md.Title != "" || events == 0 || records > titleScanLimit {
				return
			}
		}
		ts, ok := p.d.inspect(line, md)
		if !ok {
			return
		}
		decoded++
		if md.Header == nil {
			md.Header = copyBytes(line)
		}
		if md.StartTime.IsZero() && !ts.IsZero() {
			md.StartTime = ts
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	if records > 0 && decoded == 0 {
		return nil, &FormatError{Source: p.d.source, Path: path, Reason: "no decodable records"}
	}

	tail := readTail(f, info.Size())
	for i := len(tail) - 1; i >= 0; i-- {
		ts, ok := p.d.inspect(tail[i], md)
		if !ok {
			continue
		}
		if md.EndTime.IsZero() && !ts.IsZero() {
			md.EndTime = ts
		}
		if !md.EndTime.IsZero() && md.Model != "" {
			break
		}
	}

	if p.d.finish != nil {
		p.d.finish(path, md)
	}
	md.finish()
	return md, nil
}

// ParseFull decodes every record. Malformed lines are skipped.
func (p *jsonlParser) ParseFull(path string) ([]session.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var events []session.Event
	var records, decoded int
	err = forEachLine(f, func(line []byte) {
		records++
		evs, ok := p.d.decode(line)
		if !ok {
			return
		}
		decoded++
		events = append(events, evs...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	if records > 0 && decoded == 0 {
		return nil, &FormatError{Source: p.d.source, Path: path, Reason: "no decodable records"}
	}
	return numberEvents(events), nil
}

// forEachLine calls fn with every non-blank line. The slice is only valid during the call.
func forEachLine(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReaderSize(r, readBufSize)
	var long []byte
	var inLong, overflow bool

	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			inLong = true
			if len(long)+len(chunk) > maxLineBytes {
				overflow = true
			} else {
				long = append(long, chunk...)
			}
			continue
		}

		line := chunk
		if inLong {
			long = append(long, chunk...)
			line = long
		}
		if !overflow {
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				fn(trimmed)
			}
		}
		long = long[:0]
		inLong, overflow = false, false

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readTail returns the complete lines within the last tailBytes of the file.
func readTail(f *os.File, size int64) [][]byte {
	if size <= 0 {
		return nil
	}
	off := size - tailBytes
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil
	}
	buf = buf[:n]
	if off > 0 {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return nil
		}
		buf = buf[i+1:]
	}

	var lines [][]byte
	for _, l := range bytes.Split(buf, []byte{'\n'}) {
		if l = bytes.TrimSpace(l); len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}
