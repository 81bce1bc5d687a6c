package main

import (
	"fmt"
	"io"
	"os"

	"github.com/k0kubun/pp/v3"
	graylog "github.com/shynie/logrus-graylog-hook/v3"
	"github.com/sirupsen/logrus"

	"gitlab.esta.spb.ru/arseny/whois/internal/config"
)

const platformName = "whois"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// newLogger writes diagnostics to stderr only, stdout belongs to the response.
// The returned func closes the log file, if any.
func newLogger(cfg config.Config, stderr io.Writer) (*logrus.Logger, func() error, error) {
	closeLog := func() error { return nil }

	logger := logrus.New()
	logger.Out = stderr
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: cfg.Log.DisableColor})
	logger.SetLevel(logrus.WarnLevel)

	if cfg.Log.DebugLvl { // Отладочный режим - вывод Debug логов
		logger.SetLevel(logrus.DebugLevel)
		logger.SetReportCaller(true)
		printer := pp.New()
		printer.SetColoringEnabled(!cfg.Log.DisableColor)
		_, _ = printer.Fprintln(stderr, cfg)
	}

	if cfg.Log.EnableFileLog { // Включить логирование в файл
		nameLogFile := cfg.Log.NameLogFile
		if nameLogFile == "" {
			nameLogFile = fmt.Sprintf("%s.log", platformName)
		}

		file, err := os.OpenFile(nameLogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed create log file %s", nameLogFile)
		}
		logger.Out = io.MultiWriter(file, stderr)
		closeLog = file.Close
	}

	if cfg.Graylog.Host == "" {
		return logger, closeLog, nil
	}

	platform := cfg.Graylog.Platform
	if platform == "" {
		platform = platformName
	}

	graylogAddr := fmt.Sprintf("%s:%d", cfg.Graylog.Host, cfg.Graylog.Port)
	graylogHook := graylog.NewGraylogHook(graylogAddr, map[string]interface{}{"platform": platform})
	graylogHook.Level = logger.Level

	if graylogHook.Writer() == nil {
		_ = closeLog()
		return nil, nil, fmt.Errorf("failed setting up graylog hook %s", graylogAddr)
	}
	logger.Hooks.Add(graylogHook)
	logger.WithField("graylogAddr", graylogAddr).Debug("done setting up graylog hook")

	return logger, closeLog, nil
}
