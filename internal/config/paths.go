package config

import (
	"os"
	"path/filepath"
)

const defaultLogSubdir = "logs"

// baseDir anchors relative runtime paths: the binary's directory when it can
// be resolved, otherwise the working directory.
func baseDir() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func resolveDir(raw, fallback string) string {
	dir := orDefault(raw, fallback)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir(), dir)
	}
	return filepath.Clean(dir)
}

// LogDir is the directory the daily log files are written to.
func (c *AppConfig) LogDir() string {
	return resolveDir(c.Paths.Logs, defaultLogSubdir)
}
