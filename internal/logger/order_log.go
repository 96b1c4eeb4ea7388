package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/netops/dispatcherd/internal/order"
)

// NewOrderLogFactory returns the per-order logger factory
// dispatcher.New expects (SPEC_FULL.md §6, grounded in
// OrderDispatcher.get_logger): one append-only file per (serviceName,
// orderID, name), persisted under dir/<service_name>/<order_id>/<name>.log,
// created on first use and left for the dispatcher to Close() when the
// order completes.
func NewOrderLogFactory(dir string) func(orderID int64, serviceName, name string) (order.Logger, error) {
	return func(orderID int64, serviceName, name string) (order.Logger, error) {
		orderDir := filepath.Join(dir, serviceName, fmt.Sprintf("%d", orderID))
		if err := os.MkdirAll(orderDir, 0o755); err != nil {
			return nil, fmt.Errorf("create order log dir: %w", err)
		}

		path := filepath.Join(orderDir, name+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open order log %q: %w", path, err)
		}
		return &orderLogWriter{f: f}, nil
	}
}

// orderLogWriter formats each Write call as one line of
// "%(asctime)s - %(levelname)s - %(message)s", the line format spec.md §6
// requires, matching Python's logging module default formatter that the
// original Exscriptd daemon used for order logs. Every line written through
// Order.Logger is treated as INFO; callers that need other levels write to
// the process-wide zerolog logger instead, same as the original's split
// between a per-order file logger and the daemon's own logging.
type orderLogWriter struct {
	f *os.File
}

func (w *orderLogWriter) Write(p []byte) (int, error) {
	line := fmt.Sprintf("%s - INFO - %s", time.Now().Format("2006-01-02 15:04:05,000"), p)
	if n, err := w.f.Write([]byte(line)); err != nil {
		return n, err
	}
	return len(p), nil
}

func (w *orderLogWriter) Close() error {
	return w.f.Close()
}
