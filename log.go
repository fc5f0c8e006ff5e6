package unison

import (
	"io"
	"log/slog"
	"os"

	"github.com/KarpelesLab/ringbuf"
)

var logbuf *ringbuf.Writer

func initLog() {
	var err error
	logbuf, err = ringbuf.New(1024 * 1024)
	if err != nil {
		slog.Error("unison: failed to set up log ring buffer", "err", err)
		return
	}
	w := io.MultiWriter(os.Stderr, logbuf)
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, nil)))
}

func shutdownLog() {
	if logbuf != nil {
		logbuf.Close()
	}
}

// LogTarget returns the in-memory ring buffer every log line written
// through slog.Default is mirrored to, for embedding applications that
// want to expose recent log history (e.g. over cmd/unison-shell)
// without tailing a file.
func LogTarget() io.Writer {
	return logbuf
}

// LogDmesg copies the full contents of the in-memory log buffer to w.
func LogDmesg(w io.Writer) (int64, error) {
	if logbuf == nil {
		return 0, nil
	}
	r := logbuf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}
