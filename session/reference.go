package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/schedule"
)

// ReferenceRecord is one line of a reference file: `key|entity_string` are
// the fields PrepareForTest requires; GFLOPS/ElapsedMS are carried for a
// round trip through Run's save_to but are never read back by
// PrepareForTest, which always seeds with the -999 sentinel.
type ReferenceRecord struct {
	Key       graph.SubgraphKey
	Entity    schedule.Entity
	GFLOPS    float64
	ElapsedMS float64
}

// ParseReferenceLine parses one `key|entity_string|gflops|elapsed_ms` line.
// Fields beyond the first two are optional on read: a line with only
// `key|entity_string` parses fine, with GFLOPS/ElapsedMS left at zero.
func ParseReferenceLine(line string) (ReferenceRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ReferenceRecord{}, false
	}
	fields := strings.Split(line, "|")
	if len(fields) < 2 {
		return ReferenceRecord{}, false
	}
	keyN, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return ReferenceRecord{}, false
	}
	rec := ReferenceRecord{
		Key:    graph.SubgraphKey(keyN),
		Entity: schedule.ParseTextEntity(fields[1]),
	}
	if len(fields) >= 3 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err == nil {
			rec.GFLOPS = v
		}
	}
	if len(fields) >= 4 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64); err == nil {
			rec.ElapsedMS = v
		}
	}
	return rec, true
}

// ReadReferenceFile parses every well-formed line of path, skipping blank
// lines, comments, and lines that fail to parse.
func ReadReferenceFile(path string) ([]ReferenceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening reference file %q", path)
	}
	defer f.Close()

	var out []ReferenceRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if rec, ok := ParseReferenceLine(scanner.Text()); ok {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}

// WriteReferenceFile writes records in the `key|entity_string|gflops|elapsed_ms`
// format Run's save_to option produces.
func WriteReferenceFile(path string, records []ReferenceRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating reference file %q", path)
	}
	defer f.Close()
	return writeReferenceRecords(f, records)
}

func writeReferenceRecords(w io.Writer, records []ReferenceRecord) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if _, err := fmt.Fprintf(bw, "%d|%s|%g|%g\n", int64(rec.Key), rec.Entity.String(), rec.GFLOPS, rec.ElapsedMS); err != nil {
			return err
		}
	}
	return bw.Flush()
}
