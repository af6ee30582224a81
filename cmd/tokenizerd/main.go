// Code scaffolded by hand in the goctl style. Safe to edit.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/vaultpoint/tokenizer/internal/config"
	"github.com/vaultpoint/tokenizer/internal/svc"
)

var configFile = flag.String("f", "etc/tokenizerd.yaml", "the config file")

// tokenizerd is intentionally thin: it wires the engine and runs the
// startup migration, then blocks. It does not serve an HTTP or RPC API —
// pkg/tokenizer is a library meant to be called in-process by a gateway
// service, and this binary exists only to demonstrate that wiring and to
// host the background TTL/maintenance concerns a real deployment needs.
func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)
	logx.MustSetup(c.Log)

	ctx := svc.NewServiceContext(c)

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctx.Engine.Migrate(migrateCtx); err != nil {
		logx.Errorf("tokenizerd: migrate: %v", err)
		os.Exit(1)
	}

	fmt.Printf("tokenizerd %s ready (tokenizer engine wired, no transport started)\n", c.Name)
	logx.Infof("tokenizerd %s ready", c.Name)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logx.Info("tokenizerd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ctx.Close(shutdownCtx); err != nil {
		logx.Errorf("tokenizerd: shutdown: %v", err)
	}
}
