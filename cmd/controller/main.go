package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"

	"github.com/netfleet/netfleet/internal/controller"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
	if err := controller.Main(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}
