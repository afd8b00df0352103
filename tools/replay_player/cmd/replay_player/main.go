package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"towerdrop/broker/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory, manifest.json or .json.gz dump")
	speed := flag.Float64("speed", 0, "Playback speed multiplier; 0 replays instantly")
	trace := flag.Bool("frames", false, "Print every frame as a JSON line before the summary")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	opts := replayplayer.Options{Speed: *speed}
	if *trace {
		opts.Visit = func(state replayplayer.FrameState) error {
			return enc.Encode(state)
		}
	}

	summary, err := replayplayer.Play(*path, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Render the summary as JSON so callers can pipe the output elsewhere.
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
