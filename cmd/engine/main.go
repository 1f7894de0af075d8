package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"postengine/internal/app"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single publishing cycle and exit")
	flag.Parse()

	// Optional .env for *_env credential indirections; absence is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once {
		rep, err := a.Engine().RunTick(ctx)
		_ = a.Stop(context.Background())
		if err != nil {
			fmt.Println("cycle failed:", err)
			os.Exit(1)
		}
		fmt.Printf("due=%d published=%d retried=%d failed=%d dead_lettered=%d expired=%d deferred=%d\n",
			rep.Due, rep.Published, rep.Retried, rep.Failed, rep.DeadLettered, rep.Expired, rep.Deferred)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
