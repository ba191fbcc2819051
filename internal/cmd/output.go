package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/events"
	"github.com/3leaps/defcal/pkg/output"
)

// recordSink describes where run records go.
type recordSink struct {
	// Destination is "stdout", "none" or "file:<path>" (a bare path also
	// works).
	Destination string
	NATSURL     string
	NATSPrefix  string
}

// createWriter opens the JSONL destination and, when a NATS URL is set, a
// publisher next to it. The returned cleanup closes everything.
func createWriter(stdout io.Writer, sink recordSink, batchID string) (output.Writer, func(), error) {
	var (
		writers []output.Writer
		closers []func()
		cleanup = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	switch dest := strings.TrimSpace(sink.Destination); dest {
	case "", "stdout":
		w := output.NewJSONLWriter(stdout, batchID)
		writers = append(writers, w)
		closers = append(closers, func() { _ = w.Close() })
	case "none":
	default:
		path := strings.TrimPrefix(dest, "file:")
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
		}
		w := output.NewJSONLWriter(f, batchID)
		writers = append(writers, w)
		closers = append(closers, func() {
			_ = w.Close()
			_ = f.Close()
		})
	}

	if url := strings.TrimSpace(sink.NATSURL); url != "" {
		pub, err := events.Connect(url, sink.NATSPrefix, batchID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		observability.CLILogger.Debug("Publishing records to NATS",
			zap.String("url", url),
			zap.String("subject", pub.Subject("*")))
		writers = append(writers, pub)
		closers = append(closers, func() { _ = pub.Close() })
	}

	if len(writers) == 0 {
		return output.Discard, cleanup, nil
	}
	if len(writers) == 1 {
		return writers[0], cleanup, nil
	}
	return output.Multi(writers...), cleanup, nil
}
