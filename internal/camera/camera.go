package camera

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidID is returned when a camera identifier is not a small non-negative integer.
var ErrInvalidID = errors.New("invalid camera id")

// maxID bounds identifiers to something a /dev/videoN node could plausibly carry.
const maxID = 1 << 16

// ID identifies a camera. It is string-keyed but always holds a decimal integer,
// mapping 1:1 to a capture device node.
type ID string

// ParseID validates s and returns it as an ID in canonical form ("007" becomes "7").
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= maxID {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(strconv.Itoa(n)), nil
}

// Index returns the numeric device index of the camera.
func (id ID) Index() int {
	n, _ := strconv.Atoi(string(id))
	return n
}

// DevicePath returns the capture device node for id under devDir (usually /dev).
func (id ID) DevicePath(devDir string) string {
	return filepath.Join(devDir, "video"+string(id))
}

// DirName is the per-camera directory and file prefix: camera_<id>.
func (id ID) DirName() string {
	return "camera_" + string(id)
}

func (id ID) String() string { return string(id) }
