// Package catalog enumerates eligible audio files in a folder and turns
// them into work items for the orchestrator.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ccc2223/audiotool/internal/encoder"
	"github.com/ccc2223/audiotool/internal/job"
	"github.com/ccc2223/audiotool/internal/segment"
)

// ConvertExtensions are the audio formats accepted for conversion.
var ConvertExtensions = []string{"wav", "mp3", "m4a", "aac", "ogg", "flac"}

// JoinExtension is the only format whose parts are joined.
const JoinExtension = "wav"

// List returns the regular files directly inside dir whose extension is
// one of exts (case-insensitive, without dot), sorted by path.
func List(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", dir, err)
	}

	want := lo.SliceToMap(exts, func(e string) (string, bool) {
		return "." + strings.ToLower(strings.TrimPrefix(e, ".")), true
	})

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if want[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// SplitBatch builds one split item per .wav file in inDir.
func SplitBatch(inDir, outDir string, seconds int) ([]job.WorkItem, error) {
	files, err := List(inDir, "wav")
	if err != nil {
		return nil, err
	}
	items := lo.Map(files, func(f string, _ int) job.WorkItem {
		return job.WorkItem{
			Kind:           job.KindSplit,
			Inputs:         []string{f},
			Output:         encoder.SplitPattern(outDir, f),
			SegmentSeconds: seconds,
		}
	})
	if err := checkOutputs(items); err != nil {
		return nil, err
	}
	if err := ensureDir(outDir); err != nil {
		return nil, err
	}
	return items, nil
}

// JoinBatch groups the part files in inDir into families and builds one
// join item per family. The part order of each family is carried into the
// item unchanged.
func JoinBatch(inDir, outDir string) ([]job.WorkItem, []segment.Family, error) {
	files, err := List(inDir, JoinExtension)
	if err != nil {
		return nil, nil, err
	}
	families := segment.Group(files, JoinExtension)
	if len(families) > 0 {
		if err := ensureDir(outDir); err != nil {
			return nil, nil, err
		}
	}
	items := lo.Map(families, func(f segment.Family, _ int) job.WorkItem {
		return job.WorkItem{
			Kind:   job.KindJoin,
			Inputs: f.Paths(),
			Output: encoder.JoinedPath(outDir, f.ID, JoinExtension),
		}
	})
	return items, families, nil
}

// ConvertAllBatch builds a reencode item for every file in dir whose
// extension is one of exts (ConvertExtensions when none are given) and that
// is not already in the target format. Outputs are written to outDir as
// <basename>.<format>.
func ConvertAllBatch(dir, outDir string, target encoder.Target, exts ...string) ([]job.WorkItem, error) {
	if len(exts) == 0 {
		exts = ConvertExtensions
	}
	files, err := List(dir, lo.Without(exts, target.Format)...)
	if err != nil {
		return nil, err
	}
	items := lo.Map(files, func(f string, _ int) job.WorkItem {
		return reencodeItem(f, encoder.SiblingPath(outDir, f, target), target)
	})
	if err := checkOutputs(items); err != nil {
		return nil, err
	}
	if err := ensureDir(outDir); err != nil {
		return nil, err
	}
	return items, nil
}

// ConvertFile builds the item for a single-file conversion: .wav becomes
// AAC in an .m4a container at bitrate, anything else becomes .wav.
func ConvertFile(input, outDir, bitrate string) (job.WorkItem, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(input), "."))
	if !slices.Contains(ConvertExtensions, ext) {
		return job.WorkItem{}, fmt.Errorf("%w: %s is not a supported audio file", job.ErrNoEligibleFiles, filepath.Base(input))
	}
	info, err := os.Stat(input)
	if err != nil {
		return job.WorkItem{}, fmt.Errorf("stat %s: %w", input, err)
	}
	if !info.Mode().IsRegular() {
		return job.WorkItem{}, fmt.Errorf("%w: %s is not a regular file", job.ErrNoEligibleFiles, input)
	}

	target := encoder.WAV
	if ext == "wav" {
		target = encoder.M4A(bitrate)
	}
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	if err := ensureDir(outDir); err != nil {
		return job.WorkItem{}, err
	}
	return reencodeItem(input, encoder.ConvertedPath(outDir, input, target), target), nil
}

func reencodeItem(input, output string, target encoder.Target) job.WorkItem {
	return job.WorkItem{
		Kind:    job.KindReencode,
		Inputs:  []string{input},
		Output:  output,
		Codec:   target.Codec,
		Bitrate: target.Bitrate,
	}
}

// checkOutputs rejects a batch in which two inputs would write the same
// output, such as song.mp3 and song.flac converting to song.wav.
func checkOutputs(items []job.WorkItem) error {
	seen := make(map[string]string, len(items))
	for _, w := range items {
		if prev, ok := seen[w.Output]; ok {
			return fmt.Errorf("%w: %s and %s both write %s", job.ErrInvalidWorkItem,
				filepath.Base(prev), filepath.Base(w.Input()), filepath.Base(w.Output))
		}
		seen[w.Output] = w.Input()
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output folder %s: %w", dir, err)
	}
	return nil
}
