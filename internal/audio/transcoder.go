package audio

import (
	"errors"
	"fmt"
	"io"
)

type TranscoderConfig struct {
	// Binary is the ffmpeg executable.
	Binary string
	Input  Format
	Output Format
	// ReadSize bounds each chunk handed to the sink.
	ReadSize int
}

// Transcoder converts between wire formats through an ffmpeg child process.
// Converted audio is delivered to the sink in order on a single goroutine.
type Transcoder struct {
	*Process
	input  Format
	output Format
}

func NewTranscoder(cfg TranscoderConfig, sink func([]byte)) (*Transcoder, error) {
	if sink == nil {
		return nil, errors.New("transcoder sink is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 3200
	}

	p, err := StartProcess(ProcessConfig{
		Name: "ffmpeg",
		Path: cfg.Binary,
		Args: FFmpegArgs(cfg.Input, cfg.Output),
	}, func(r io.Reader) error {
		buf := make([]byte, cfg.ReadSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				sink(out)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transcoder %s -> %s: %w", cfg.Input, cfg.Output, err)
	}
	return &Transcoder{Process: p, input: cfg.Input, output: cfg.Output}, nil
}

func (t *Transcoder) Input() Format  { return t.input }
func (t *Transcoder) Output() Format { return t.output }

// FFmpegArgs builds a quiet stdin-to-stdout conversion command line.
func FFmpegArgs(in, out Format) []string {
	args := []string{"-loglevel", "quiet"}
	args = append(args, in.ffmpegArgs()...)
	args = append(args, "-i", "pipe:0")
	args = append(args, out.ffmpegArgs()...)
	if out.Encoding == EncodingPCM16 {
		args = append(args, "-acodec", "pcm_s16le")
	}
	return append(args, "pipe:1")
}
