package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ccc2223/audiotool/internal/catalog"
	"github.com/ccc2223/audiotool/internal/config"
	"github.com/ccc2223/audiotool/internal/encoder"
	"github.com/ccc2223/audiotool/internal/job"
	"github.com/ccc2223/audiotool/internal/orchestrator"
)

// errReported means the outcome was already printed; main only sets the
// exit status.
var errReported = errors.New("reported")

type app struct {
	cfg      *config.Config
	store    *job.SQLiteStore
	settings *config.JSONStore
	orch     *orchestrator.Orchestrator

	concurrency int
	stdout      io.Writer
	stderr      io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "audiotool",
		Short:         "Split, join and convert audio files in batches with ffmpeg",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.PersistentFlags().IntVar(&a.concurrency, "concurrency", 0, "parallel encoder processes (default from AUDIOTOOL_CONCURRENCY)")

	cmd.AddGroup(&cobra.Group{ID: "batch", Title: "Batch Commands"})
	cmd.AddCommand(
		newSplitCommand(a),
		newJoinCommand(a),
		newConvertCommand(a),
		newConvertAllCommand(a),
		newConvertJoinedCommand(a),
		newListCommand(a),
		newSettingsCommand(a),
		newHistoryCommand(a),
		newCheckCommand(a),
	)
	return cmd
}

// folderFlags are the --in/--out pair of a batch command.
type folderFlags struct {
	in, out string
}

func (f *folderFlags) bind(fs *pflag.FlagSet, inUsage, outUsage string) {
	fs.StringVar(&f.in, "in", "", inUsage)
	if outUsage != "" {
		fs.StringVar(&f.out, "out", "", outUsage)
	}
}

// folders resolves the input and output folders of a command. Flags given
// on the command line are remembered in the settings; missing flags fall
// back to the remembered value. The output folder defaults to the input.
func (a *app) folders(fs *pflag.FlagSet, f *folderFlags, inSlot, outSlot string) (string, string, error) {
	s, err := a.settings.Update(func(s *config.Settings) error {
		if fs.Changed("in") {
			if err := setPath(s, inSlot, f.in); err != nil {
				return err
			}
		}
		if outSlot != "" && fs.Changed("out") {
			return setPath(s, outSlot, f.out)
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("settings: %w", err)
	}

	in, _ := s.Get(inSlot)
	if in == "" {
		return "", "", fmt.Errorf("no input folder: pass --in or run 'audiotool settings set %s DIR'", inSlot)
	}
	out := in
	if outSlot != "" {
		if v, _ := s.Get(outSlot); v != "" {
			out = v
		}
	}
	return in, out, nil
}

func setPath(s *config.Settings, slot, value string) error {
	abs, err := filepath.Abs(value)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", value, err)
	}
	return s.Set(slot, abs)
}

func newSplitCommand(a *app) *cobra.Command {
	var (
		f       folderFlags
		seconds int
	)
	cmd := &cobra.Command{
		Use:     "split",
		Short:   "Split every .wav file in a folder into fixed-length parts",
		GroupID: "batch",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, out, err := a.folders(cmd.Flags(), &f, config.SlotSplitInput, config.SlotSplitOutput)
			if err != nil {
				return err
			}
			if seconds <= 0 {
				seconds = a.cfg.SegmentSeconds
			}
			return a.runBatch(cmd.Context(), job.KindSplit, func() ([]job.WorkItem, error) {
				return catalog.SplitBatch(in, out, seconds)
			})
		},
	}
	f.bind(cmd.Flags(), "folder with .wav files to split", "folder for the parts")
	cmd.Flags().IntVar(&seconds, "segment", 0, "part length in seconds (default from AUDIOTOOL_SEGMENT_SECONDS)")
	return cmd
}

func newJoinCommand(a *app) *cobra.Command {
	var f folderFlags
	cmd := &cobra.Command{
		Use:     "join",
		Short:   "Join <name>_part<N>.wav files back into <name>_joined.wav",
		GroupID: "batch",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, out, err := a.folders(cmd.Flags(), &f, config.SlotJoinInput, config.SlotJoinOutput)
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), job.KindJoin, func() ([]job.WorkItem, error) {
				items, families, err := catalog.JoinBatch(in, out)
				if err != nil {
					return nil, err
				}
				for _, fam := range families {
					fmt.Fprintf(a.stdout, "%s: %d parts\n", color.CyanString(fam.ID), len(fam.Parts))
				}
				return items, nil
			})
		},
	}
	f.bind(cmd.Flags(), "folder with part files", "folder for the joined files")
	return cmd
}

func newConvertCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:     "convert [FILE]",
		Short:   "Convert one file: .wav to .m4a, anything else to .wav",
		GroupID: "batch",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings.Update(func(s *config.Settings) error {
				if len(args) == 1 {
					if err := setPath(s, config.SlotConvertInput, args[0]); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("out") {
					return setPath(s, config.SlotConvertOutput, out)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			if s.ConvertInput == "" {
				return errors.New("no file given: pass FILE or run 'audiotool settings set convert_input FILE'")
			}
			return a.runBatch(cmd.Context(), job.KindReencode, func() ([]job.WorkItem, error) {
				item, err := catalog.ConvertFile(s.ConvertInput, s.ConvertOutput, s.M4ABitrate)
				if err != nil {
					return nil, err
				}
				return []job.WorkItem{item}, nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output folder (default: next to the input)")
	return cmd
}

func newConvertAllCommand(a *app) *cobra.Command {
	var f folderFlags
	cmd := &cobra.Command{
		Use:     "convert-all",
		Short:   "Convert every non-wav audio file in a folder to .wav beside it",
		GroupID: "batch",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _, err := a.folders(cmd.Flags(), &f, config.SlotSplitInput, "")
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), job.KindReencode, func() ([]job.WorkItem, error) {
				return catalog.ConvertAllBatch(dir, dir, encoder.WAV)
			})
		},
	}
	f.bind(cmd.Flags(), "folder to convert (default: the split input folder)", "")
	return cmd
}

func newConvertJoinedCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:     "convert-joined",
		Short:   "Convert every .wav file in the join output folder to .m4a",
		GroupID: "batch",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.settings.Update(func(s *config.Settings) error {
				if cmd.Flags().Changed("dir") {
					return setPath(s, config.SlotJoinOutput, dir)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			if s.JoinOutput == "" {
				return errors.New("no folder: pass --dir or run 'audiotool settings set join_output DIR'")
			}
			return a.runBatch(cmd.Context(), job.KindReencode, func() ([]job.WorkItem, error) {
				return catalog.ConvertAllBatch(s.JoinOutput, s.JoinOutput, encoder.M4A(s.M4ABitrate), catalog.JoinExtension)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "folder with joined .wav files (default: the join output folder)")
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list DIR",
		Short: "List the audio files in a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			files, err := catalog.List(args[0], catalog.ConvertExtensions...)
			if err != nil {
				return err
			}
			var total uint64
			for _, f := range files {
				info, err := os.Stat(f)
				if err != nil {
					return err
				}
				size := uint64(info.Size())
				total += size
				fmt.Fprintf(a.stdout, "%10s  %s\n", humanize.Bytes(size), filepath.Base(f))
			}
			fmt.Fprintf(a.stdout, "%d files, %s\n", len(files), humanize.Bytes(total))
			return nil
		},
	}
}

func newSettingsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the remembered folders",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := a.settings.Load()
			if err != nil {
				return err
			}
			for _, kv := range s.Slots() {
				v := kv[1]
				if v == "" {
					v = color.HiBlackString("(not set)")
				}
				fmt.Fprintf(a.stdout, "%-15s %s\n", kv[0], v)
			}
			fmt.Fprintf(a.stdout, "\n%s\n", color.HiBlackString(a.settings.Path()))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "set SLOT VALUE",
		Short:     "Remember a folder",
		Args:      cobra.ExactArgs(2),
		ValidArgs: append(slices.Clone(config.FolderSlots), config.SlotM4ABitrate),
		RunE: func(_ *cobra.Command, args []string) error {
			_, err := a.settings.Update(func(s *config.Settings) error {
				if slices.Contains(config.FolderSlots, args[0]) {
					return setPath(s, args[0], args[1])
				}
				return s.Set(args[0], args[1])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s updated\n", args[0])
			return nil
		},
	})
	return cmd
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that ffmpeg can be run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, version, err := a.checkEncoder(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s\n%s\n", color.GreenString("ok"), path, version)
			return nil
		},
	}
}
