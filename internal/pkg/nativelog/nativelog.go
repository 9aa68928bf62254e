package nativelog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	filePrefix         = "newsletter_"
	fileSuffix         = ".log"
	defaultLogFilePerm = 0o644
	defaultLogDirPerm  = 0o755
	// DefaultKeep is how many daily files survive when Options.Keep is unset.
	DefaultKeep = 14
)

// Options configure the daily file sink.
type Options struct {
	Dir   string
	Keep  int
	Debug bool
}

// TodayFilename returns the daily log filename for now.
func TodayFilename(now time.Time) string {
	return filePrefix + now.Format("2006-01-02") + fileSuffix
}

// Writer appends to one file per local day and prunes old days on rollover.
type Writer struct {
	mu   sync.Mutex
	dir  string
	keep int
	day  string
	file *os.File
	now  func() time.Time
}

// NewWriter creates the log directory and a writer rooted at it.
func NewWriter(dir string, keep int) (*Writer, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = filepath.Join(".", "logs")
	}
	if err := os.MkdirAll(dir, defaultLogDirPerm); err != nil {
		return nil, err
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Writer{dir: dir, keep: keep, now: time.Now}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotate(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// rotate opens today's file when the day changed. Caller holds mu.
func (w *Writer) rotate() error {
	name := TodayFilename(w.now())
	if w.file != nil && name == w.day {
		return nil
	}
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultLogFilePerm)
	if err != nil {
		return err
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file, w.day = file, name
	w.prune()
	return nil
}

// prune removes the oldest daily files beyond keep. Names sort by date.
func (w *Writer) prune() {
	matches, err := filepath.Glob(filepath.Join(w.dir, filePrefix+"*"+fileSuffix))
	if err != nil || len(matches) <= w.keep {
		return
	}
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-w.keep] {
		_ = os.Remove(path)
	}
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close releases the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// NewZapLogger creates a console + daily file tee logger.
func NewZapLogger(opts Options) (*zap.Logger, error) {
	writer, err := NewWriter(opts.Dir, opts.Keep)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level.SetLevel(zap.DebugLevel)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), level),
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	_ = zap.RedirectStdLog(logger)
	return logger, nil
}
