package main

import (
	"context"

	"webrtc-safari/internal"
	"webrtc-safari/pkg/log"
)

func main() {
	app := internal.NewApp()

	if err := app.Setup(); err != nil {
		log.Fatalf("setup: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
