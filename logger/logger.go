// Package logger concentra os logs estruturados do PostOffice.
//
// Envolve o log/slog da biblioteca padrão com funções de pacote, para que
// servidores, fila de reenvio e armazenamento registrem eventos com pares
// chave/valor:
//
//	logger.Info("Mensagem armazenada", "uid", 42, "mailboxes", 2)
//
// Initialize deve ser chamado uma vez no início do processo.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/carloslauriano/postoffice/config"
)

var globalLogger atomic.Pointer[slog.Logger]

func init() {
	globalLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// ParseLevel converte o nível textual da configuração
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("nível de log desconhecido: %s", level)
	}
}

// Initialize configura o logger global a partir da configuração
func Initialize(cfg config.LoggingConfig) error {
	return InitializeWriter(cfg, os.Stdout)
}

// InitializeWriter configura o logger global escrevendo em w
func InitializeWriter(cfg config.LoggingConfig, w io.Writer) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "console", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("formato de log desconhecido: %s", cfg.Format)
	}

	globalLogger.Store(slog.New(handler))
	return nil
}

// Default retorna o logger global
func Default() *slog.Logger {
	return globalLogger.Load()
}

// With retorna um logger derivado com atributos fixos
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
