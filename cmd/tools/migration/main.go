package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/gitops-loop/internal/history/postgres"
)

type Config struct {
	DatabaseHost     string `envconfig:"DATABASE_HOST,default=127.0.0.1"`
	DatabaseUser     string `envconfig:"DATABASE_USER,default=postgres"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,default=postgres"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=gitops"`
}

func main() {
	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		panic(err)
	}

	ctx := context.Background()
	r, err := postgres.NewRepo(ctx, cfg.DatabaseUser, cfg.DatabasePassword, cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseName)
	if err != nil {
		panic(err)
	}
	defer r.Close()

	if err = r.Migrate(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("artifact history schema is up to date")
}
