package vad

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ent0n29/voicegate/internal/audio"
)

type Config struct {
	Python string
	Script string
}

// Detector feeds 16kHz PCM to a classifier process and reports framed events
// through the handler. The handler runs on the detector's reader goroutine.
type Detector struct {
	*audio.Process
}

func Start(cfg Config, sessionID string, handle func(Event)) (*Detector, error) {
	if handle == nil {
		return nil, errors.New("vad handler is required")
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "vad.py"
	}

	p, err := audio.StartProcess(audio.ProcessConfig{
		Name: "vad",
		Path: cfg.Python,
		Args: []string{"-u", cfg.Script},
	}, func(r io.Reader) error {
		return scan(r, sessionID, handle)
	})
	if err != nil {
		return nil, fmt.Errorf("start vad: %w", err)
	}
	return &Detector{Process: p}, nil
}

func scan(r io.Reader, sessionID string, handle func(Event)) error {
	var f Framer
	defer func() {
		for _, ev := range f.Close() {
			handle(ev)
		}
	}()

	sc := bufio.NewScanner(r)
	// speech lines carry hex encoded half-second chunks
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		events, err := f.Line(sc.Bytes())
		if err != nil {
			log.Printf("[vad] session=%s skip line: %v", sessionID, err)
			continue
		}
		for _, ev := range events {
			handle(ev)
		}
	}
	return sc.Err()
}
