package janitor

import (
	"path/filepath"
	"strings"
	"time"

	"camstream/internal/camera"
)

const (
	hlsDirName        = "hls"
	recordingsDirName = "recordings"
	playlistName      = "playlist.m3u8"
	segmentPrefix     = "segment"
	segmentExt        = ".ts"
	recordingExt      = ".mp4"
	thumbnailPrefix   = "thumb_"
	thumbnailExt      = ".jpg"
	recordingStamp    = "20060102-150405"
)

// Layout describes where pipeline artifacts live under a data root:
//
//	<root>/hls/camera_<id>/{playlist.m3u8, segment###.ts}
//	<root>/recordings/camera_<id>_<timestamp>[-<n>].mp4
//	<root>/recordings/thumb_camera_<id>_<timestamp>[-<n>].mp4.jpg
type Layout struct {
	Root string
}

// HLSRoot is the parent of every per-camera segment directory.
func (l Layout) HLSRoot() string {
	return filepath.Join(l.Root, hlsDirName)
}

// OutputDir is the segmented-output directory of id.
func (l Layout) OutputDir(id camera.ID) string {
	return filepath.Join(l.HLSRoot(), id.DirName())
}

// PlaylistPath is the live playlist of id.
func (l Layout) PlaylistPath(id camera.ID) string {
	return filepath.Join(l.OutputDir(id), playlistName)
}

// SegmentPattern is the encoder's segment filename template for id.
func (l Layout) SegmentPattern(id camera.ID) string {
	return filepath.Join(l.OutputDir(id), segmentPrefix+"%03d"+segmentExt)
}

// RecordingsDir holds recording files of every camera.
func (l Layout) RecordingsDir() string {
	return filepath.Join(l.Root, recordingsDirName)
}

// RecordingPath names a recording of id started at t. Janitor.NewRecordingPath
// adds a suffix when the name is already taken.
func (l Layout) RecordingPath(id camera.ID, t time.Time) string {
	name := id.DirName() + "_" + t.Format(recordingStamp) + recordingExt
	return filepath.Join(l.RecordingsDir(), name)
}

// ThumbnailName is the optional sibling thumbnail of a recording file:
// thumb_<recording file name>.jpg.
func ThumbnailName(recording string) string {
	return thumbnailPrefix + recording + thumbnailExt
}

func isSegment(name string) bool {
	return strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentExt)
}
