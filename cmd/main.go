package main

import (
	"go.uber.org/zap"

	"github.com/pgrealtime/pgrealtime/internal/app"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	srv, err := app.NewServerFromEnv(log)
	if err != nil {
		log.Fatal("failed to build server", zap.Error(err))
	}
	if err := srv.Run(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
