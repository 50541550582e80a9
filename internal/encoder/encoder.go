// Package encoder runs the ffmpeg binary for the three media operations a
// batch can perform: reencode, segment and concatenate.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Target describes the output of a reencode.
type Target struct {
	Format  string // file extension without dot, e.g. "m4a"
	Codec   string // ffmpeg audio codec, e.g. "aac"
	Bitrate string // optional, e.g. "320k"
}

// WAV is lossless 16-bit PCM.
var WAV = Target{Format: "wav", Codec: "pcm_s16le"}

// M4A returns an AAC target at the given bitrate.
func M4A(bitrate string) Target {
	return Target{Format: "m4a", Codec: "aac", Bitrate: bitrate}
}

// TargetFor returns the preset for a format name.
func TargetFor(format, bitrate string) (Target, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "wav":
		return WAV, nil
	case "m4a":
		return M4A(bitrate), nil
	default:
		return Target{}, fmt.Errorf("unsupported target format %q", format)
	}
}

// Encoder runs the three blocking media operations. Calls are not
// preemptible once started; callers that must not interrupt a running
// encode pass a context without cancellation.
type Encoder interface {
	Reencode(ctx context.Context, input, output string, target Target) error
	Segment(ctx context.Context, input, outputPattern string, seconds int) (int, error)
	Concatenate(ctx context.Context, inputs []string, output string) error
}

// FFmpeg implements Encoder by invoking the ffmpeg binary.
type FFmpeg struct {
	path string
}

// New returns an FFmpeg encoder using the binary at path.
func New(path string) *FFmpeg {
	return &FFmpeg{path: path}
}

// Path returns the configured binary.
func (f *FFmpeg) Path() string {
	return f.path
}

// Version runs "ffmpeg -version" and returns its first output line.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, f.path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("run %s -version: %w", f.path, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Reencode converts input to target, copying its metadata. M4A output is
// written with the index at the front of the file.
func (f *FFmpeg) Reencode(ctx context.Context, input, output string, target Target) error {
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", input,
		"-c:a", target.Codec,
	}
	if target.Bitrate != "" {
		args = append(args, "-b:a", target.Bitrate)
	}
	args = append(args, "-map_metadata", "0")
	if target.Format == "m4a" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-y", output)

	return f.run(ctx, "reencode", input, args)
}

// Segment splits input into parts of the given length using the segment
// muxer without re-encoding and returns how many parts this run wrote.
// ffmpeg records each part it writes in a list file next to the parts, so
// unrelated or stale files in the folder are never counted.
func (f *FFmpeg) Segment(ctx context.Context, input, outputPattern string, seconds int) (int, error) {
	listPath := filepath.Join(filepath.Dir(outputPattern), "."+Basename(input)+".segments")
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", input,
		"-f", "segment",
		"-segment_time", strconv.Itoa(seconds),
		"-segment_list", listPath,
		"-segment_list_type", "flat",
		"-c", "copy",
		"-map", "0",
		"-reset_timestamps", "1",
		"-y", outputPattern,
	}
	if err := f.run(ctx, "split", input, args); err != nil {
		return 0, err
	}

	n, err := countSegments(listPath)
	if err != nil {
		return 0, &ProcessError{Op: "split", Input: input, ExitCode: -1, Err: err}
	}
	return n, nil
}

// Concatenate joins inputs in the given order with the concat demuxer.
// The order of inputs is written to the list file verbatim.
func (f *FFmpeg) Concatenate(ctx context.Context, inputs []string, output string) error {
	listPath := output + ".list"
	if err := writeConcatList(listPath, inputs); err != nil {
		return &ProcessError{Op: "join", Input: output, ExitCode: -1, Err: err}
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	}
	return f.run(ctx, "join", output, args)
}

func (f *FFmpeg) run(ctx context.Context, op, input string, args []string) error {
	cmd := exec.CommandContext(ctx, f.path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		perr := &ProcessError{Op: op, Input: input, ExitCode: -1, Err: err, Detail: lastLine(stderr.String())}
		if ctx.Err() != nil {
			perr.Err = ctx.Err()
			return perr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
		}
		return perr
	}
	return nil
}

func writeConcatList(path string, inputs []string) error {
	var sb strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", in, err)
		}
		// concat demuxer quoting: close the quote, emit an escaped quote, reopen.
		sb.WriteString("file '")
		sb.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		sb.WriteString("'\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}

// lastLine returns the last non-empty line of ffmpeg's stderr, which is
// where it reports the fatal error.
func lastLine(s string) string {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	const maxDetail = 200
	if len(last) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(last[cut]) {
			cut--
		}
		last = last[:cut] + "..."
	}
	return last
}
