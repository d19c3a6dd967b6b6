// Command planview computes and renders the arena memory plan for a model
// description. It accepts the JSON model format (or the compact binary form)
// and prints per-tensor offsets plus a per-timestep occupancy picture; with
// -watch it stays running and replans whenever the model file changes, which
// makes iterating on tensor sizes and operator shapes quick.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/exp/slog"

	"github.com/sbl8/arenaplan/graph"
)

func main() {
	var (
		jsonOut = flag.Bool("json", false, "Emit the schedule as JSON instead of the text plan")
		watch   = flag.Bool("watch", false, "Stay running and replan when the model file changes")
		scratch = flag.Int("scratch", 0, "Planner scratch size in bytes (0 = sized from the model)")
		verbose = flag.Bool("v", false, "Enable debug logging")
		version = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("planview - arena plan viewer v1.0.0")
		fmt.Println("Built with Go", "1.22.2")
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <model.json|model.arpl>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	modelPath := args[0]

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := render(modelPath, *scratch, *jsonOut, log); err != nil {
		log.Error("planning failed", slog.String("model", modelPath), slog.Any("error", err))
		os.Exit(1)
	}
	if !*watch {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("starting watcher", slog.Any("error", err))
		os.Exit(1)
	}
	defer watcher.Close()
	if err := watcher.Add(modelPath); err != nil {
		log.Error("watching model file", slog.String("model", modelPath), slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("watching for changes", slog.String("model", modelPath))

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := render(modelPath, *scratch, *jsonOut, log); err != nil {
				// Keep watching: the file is often mid-edit.
				log.Warn("replan failed", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", slog.Any("error", err))
		}
	}
}

func loadModel(path string) (*graph.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// The binary form starts with the "ARPL" magic; anything else is JSON.
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == 0x4C505241 {
		return graph.DecodeBinary(data)
	}
	return graph.ParseModel(data)
}

// scheduleDoc is the -json output shape.
type scheduleDoc struct {
	Model     string   `json:"model,omitempty"`
	ArenaSize int      `json:"arena_size"`
	Offsets   []int    `json:"offsets"`
	Reversed  []bool   `json:"reversed_operators"`
	Tensors   []string `json:"tensor_names,omitempty"`
}

func render(path string, scratchBytes int, jsonOut bool, log *slog.Logger) error {
	m, err := loadModel(path)
	if err != nil {
		return err
	}
	if scratchBytes <= 0 {
		scratchBytes = graph.ScratchSize(m)
	}
	log.Debug("model loaded",
		slog.String("model", m.String()),
		slog.Int("scratch_bytes", scratchBytes))

	if jsonOut {
		s, err := graph.Bind(m, make([]byte, scratchBytes), log)
		if err != nil {
			return err
		}
		doc := scheduleDoc{
			Model:     m.Name,
			ArenaSize: s.ArenaSize,
			Offsets:   s.Offsets,
			Reversed:  s.Reversed,
		}
		for _, td := range m.Tensors {
			doc.Tensors = append(doc.Tensors, td.Name)
		}
		out, err := sonnet.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	p, err := graph.BindPlanner(m, make([]byte, scratchBytes), log)
	if err != nil {
		return err
	}
	if err := p.PrintMemoryPlan(os.Stdout); err != nil {
		return err
	}
	if p.AnyBuffersOverlap() {
		fmt.Println("note: overlapping ranges above come from sanctioned in-place reuse")
	}
	return nil
}
