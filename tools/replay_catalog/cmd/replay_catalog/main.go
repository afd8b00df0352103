package main

import (
	"flag"
	"fmt"
	"os"

	"towerdrop/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", "replays", "directory containing replay headers")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		status := ""
		if entry.Missing {
			status = " [missing]"
		}
		fmt.Printf("%s %s (schema %d)%s\n", entry.Kind, entry.ReplayPath, entry.Header.SchemaVersion, status)
		fmt.Printf("  seed: %d\n", entry.Header.Seed)
		if entry.Header.SessionID != "" {
			fmt.Printf("  session: %s\n", entry.Header.SessionID)
		}
		if entry.Header.Frames > 0 {
			fmt.Printf("  frames: %d digest %s\n", entry.Header.Frames, entry.Header.TrajectoryDigest)
		}
		if tw := entry.Header.Tower; tw != nil {
			fmt.Printf("  tower:\n")
			fmt.Printf("    height: %.3f\n", tw.Height)
			fmt.Printf("    core_radius: %.3f\n", tw.CoreRadius)
			fmt.Printf("    platform_radius: %.3f\n", tw.PlatformRadius)
			fmt.Printf("    spacing: %.3f\n", tw.Spacing)
			fmt.Printf("    arc_degrees: %.1f\n", tw.ArcDegrees)
		}
		fmt.Printf("  header: %s\n", entry.HeaderPath)
	}
}
