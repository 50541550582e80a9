package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// FixedBitrate is the only AAC bitrate the tool writes.
const FixedBitrate = "320k"

// Slot names of the persisted settings.
const (
	SlotSplitInput    = "split_input"
	SlotSplitOutput   = "split_output"
	SlotJoinInput     = "join_input"
	SlotJoinOutput    = "join_output"
	SlotConvertInput  = "convert_input"
	SlotConvertOutput = "convert_output"
	SlotM4ABitrate    = "m4a_bitrate"
)

// FolderSlots lists the slots that hold folder paths.
var FolderSlots = []string{
	SlotSplitInput, SlotSplitOutput,
	SlotJoinInput, SlotJoinOutput,
	SlotConvertInput, SlotConvertOutput,
}

// ErrUnknownSlot is returned by Get and Set for names outside the record.
var ErrUnknownSlot = errors.New("unknown settings slot")

// Settings is the flat record of remembered folders.
type Settings struct {
	SplitInput    string `json:"split_input"`
	SplitOutput   string `json:"split_output"`
	JoinInput     string `json:"join_input"`
	JoinOutput    string `json:"join_output"`
	ConvertInput  string `json:"convert_input"`
	ConvertOutput string `json:"convert_output"`
	M4ABitrate    string `json:"m4a_bitrate"`
}

// DefaultSettings returns empty folders and the fixed bitrate.
func DefaultSettings() Settings {
	return Settings{M4ABitrate: FixedBitrate}
}

func (s *Settings) slot(name string) (*string, error) {
	switch name {
	case SlotSplitInput:
		return &s.SplitInput, nil
	case SlotSplitOutput:
		return &s.SplitOutput, nil
	case SlotJoinInput:
		return &s.JoinInput, nil
	case SlotJoinOutput:
		return &s.JoinOutput, nil
	case SlotConvertInput:
		return &s.ConvertInput, nil
	case SlotConvertOutput:
		return &s.ConvertOutput, nil
	case SlotM4ABitrate:
		return &s.M4ABitrate, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownSlot, name)
	}
}

// Get returns the value of a slot.
func (s Settings) Get(name string) (string, error) {
	p, err := s.slot(name)
	if err != nil {
		return "", err
	}
	return *p, nil
}

// Set assigns a folder slot. The bitrate slot is fixed and cannot be set
// to anything but FixedBitrate.
func (s *Settings) Set(name, value string) error {
	if name == SlotM4ABitrate && value != FixedBitrate {
		return fmt.Errorf("%s is fixed at %s", SlotM4ABitrate, FixedBitrate)
	}
	p, err := s.slot(name)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// Slots returns every slot name with its value, in display order.
func (s Settings) Slots() [][2]string {
	names := append(slices.Clone(FolderSlots), SlotM4ABitrate)
	out := make([][2]string, 0, len(names))
	for _, n := range names {
		v, _ := s.Get(n)
		out = append(out, [2]string{n, v})
	}
	return out
}

// JSONStore persists settings in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed settings store.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the settings file location.
func (s *JSONStore) Path() string { return s.path }

// Load reads settings from disk or returns defaults when missing. The
// bitrate is always forced to FixedBitrate.
func (s *JSONStore) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	cfg := DefaultSettings()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	cfg.M4ABitrate = FixedBitrate
	return cfg, nil
}

// Save writes settings as indented JSON and creates parent directories.
func (s *JSONStore) Save(cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings folder: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Update loads the settings, applies fn and saves the result.
func (s *JSONStore) Update(fn func(*Settings) error) (Settings, error) {
	cfg, err := s.Load()
	if err != nil {
		return Settings{}, err
	}
	if err := fn(&cfg); err != nil {
		return Settings{}, err
	}
	if err := s.Save(cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}
