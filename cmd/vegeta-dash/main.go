// Package main implements vegeta-dash, a live terminal view of the daemon's
// queue, heartbeat and recent outcomes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"vegeta/pkg/config"

	tea "github.com/charmbracelet/bubbletea"
)

// robotMode renders one snapshot as JSON.
func robotMode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	asJSON := flag.Bool("json", false, "print one JSON snapshot and exit")
	flag.Parse()

	paths, err := config.ResolvePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve paths: %v\n", err)
		os.Exit(1)
	}
	src := dbSource{pidPath: paths.PIDFile, dbPath: paths.StateDB}

	if *asJSON {
		data, err := robotMode(src.Fetch(context.Background()))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(src), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
