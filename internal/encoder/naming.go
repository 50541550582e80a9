package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PartMarker separates a family id from the part number in split output.
const PartMarker = "_part"

// Basename returns the file name of path without its extension.
func Basename(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// SplitPattern returns the segment muxer pattern <basename>_part%03d.<ext>
// inside outDir. The extension follows the input.
func SplitPattern(outDir, input string) string {
	ext := strings.ToLower(filepath.Ext(input))
	return filepath.Join(outDir, Basename(input)+PartMarker+"%03d"+ext)
}

// JoinedPath returns <familyID>_joined.<ext> inside outDir.
func JoinedPath(outDir, familyID, ext string) string {
	return filepath.Join(outDir, fmt.Sprintf("%s_joined.%s", familyID, strings.TrimPrefix(ext, ".")))
}

// ConvertedPath returns <basename>_converted.<format> inside outDir, used
// for single-file conversions.
func ConvertedPath(outDir, input string, target Target) string {
	return filepath.Join(outDir, fmt.Sprintf("%s_converted.%s", Basename(input), target.Format))
}

// SiblingPath returns <basename>.<format> inside outDir, used for bulk
// conversions that write next to their inputs.
func SiblingPath(outDir, input string, target Target) string {
	return filepath.Join(outDir, Basename(input)+"."+target.Format)
}

// countSegments returns the number of entries in a flat segment list.
func countSegments(listPath string) (int, error) {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return 0, fmt.Errorf("read segment list: %w", err)
	}
	n := 0
	for line := range strings.Lines(string(data)) {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}
