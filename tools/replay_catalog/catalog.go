package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"towerdrop/broker/internal/replay"
)

const (
	// KindBundle marks a streaming replay bundle directory.
	KindBundle = replay.KindBundle
	// KindDump marks an on-demand gzip dump.
	KindDump = replay.KindDump
)

// Entry captures a replay header alongside its resolved artefact path.
type Entry struct {
	Kind       string        `json:"kind"`
	HeaderPath string        `json:"header_path"`
	ReplayPath string        `json:"replay_path"`
	Missing    bool          `json:"missing,omitempty"`
	Header     replay.Header `json:"header"`
}

// List walks the directory tree and returns parsed replay headers ordered by seed then path.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree searching for known header filenames.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		kind := ""
		switch {
		case name == "header.json":
			kind = KindBundle
		case strings.HasSuffix(name, ".header.json"):
			kind = KindDump
		default:
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return err
		}
		replayPath := header.FilePointer
		if !filepath.IsAbs(replayPath) {
			replayPath = filepath.Join(filepath.Dir(path), replayPath)
		}
		//2.- Flag headers whose artefact was swept or never finished writing.
		_, statErr := os.Stat(replayPath)
		entries = append(entries, Entry{
			Kind:       kind,
			HeaderPath: path,
			ReplayPath: replayPath,
			Missing:    statErr != nil,
			Header:     header,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.Seed == entries[j].Header.Seed {
			return entries[i].ReplayPath < entries[j].ReplayPath
		}
		return entries[i].Header.Seed < entries[j].Header.Seed
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	//1.- Marshal with indentation to keep CLI output legible for operators.
	return json.MarshalIndent(entries, "", "  ")
}
