package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gdamore/tcell/v2"

	"towerdrop/broker/internal/physics"
	"towerdrop/broker/internal/tower"
	"towerdrop/broker/tools/terminal_viewer"
)

func main() {
	seed := flag.Int64("seed", time.Now().UnixNano(), "tower heading seed")
	hz := flag.Int("hz", 60, "simulation and redraw rate")
	sound := flag.Bool("sound", true, "click on bounces")
	flag.Parse()

	if err := run(*seed, *hz, *sound); err != nil {
		fmt.Fprintln(os.Stderr, "terminal viewer:", err)
		os.Exit(1)
	}
}

func run(seed int64, hz int, withSound bool) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	var opts []terminalviewer.Option
	if withSound {
		//1.- Audio is optional; the viewer runs silently without a device.
		if beeper, err := terminalviewer.NewBeepSound(); err == nil {
			defer beeper.Close()
			opts = append(opts, terminalviewer.WithSound(beeper))
		}
	}

	viewer, err := terminalviewer.New(screen, tower.DefaultParams(seed), physics.DefaultConfig(), opts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return viewer.Run(ctx, hz)
}
