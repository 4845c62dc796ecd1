package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/traces"
)

// StdoutExporter prints records for debugging: one wire-format JSON object
// per line, or a human readable text line.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	return newWriterExporter(format, os.Stdout, logger)
}

func newWriterExporter(format string, out io.Writer, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    out,
	}
}

// ExportRecords prints records.
func (e *StdoutExporter) ExportRecords(ctx context.Context, records []traces.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range records {
		r := &records[i]
		if e.format == "json" {
			b, err := json.Marshal(r)
			if err != nil {
				e.logger.Debug("skip unencodable record", zap.String("type", string(r.Type)), zap.Error(err))
				continue
			}
			fmt.Fprintf(e.out, "%s\n", b)
			continue
		}

		dur := ""
		if d, ok := r.Duration(); ok {
			dur = fmt.Sprintf(" %6dms", d.Milliseconds())
		}
		fmt.Fprintf(e.out,
			"[%s] %s tx=%s comm=%s %s %s%s %s\n",
			strings.ToUpper(string(r.Type)),
			r.Time().UTC().Format(time.RFC3339Nano),
			short(r.TransactionID, 8), short(r.CommunicationID, 8),
			r.Protocol, strings.TrimSpace(r.Action+" "+r.Resource),
			dur,
			formatData(r.Data),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func short(id string, n int) string {
	if id == "" {
		return "-"
	}
	return id[:min(len(id), n)]
}

func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if len(parts) >= 5 {
			parts = append(parts, "...")
			break
		}
		v := fmt.Sprintf("%v", data[k])
		if len(v) > 80 {
			v = v[:80] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, " ")
}
