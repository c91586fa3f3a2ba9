package index

import (
	"fmt"
	"path/filepath"
)

// ThumbSize maps a slide aspect to the thumbnail geometry. Unknown decks
// render at 16:9 geometry (320x180), the dominant shape in modern libraries.
func ThumbSize(aspect string) (width, height int) {
	switch aspect {
	case Aspect4x3:
		return 320, 240
	case Aspect16x9:
		return 320, 180
	default:
		return 320, 180
	}
}

// Layout under <library_root>/.slidemanager/:
//
//	index.sqlite
//	pdf/<file_id>.pdf
//	thumbs/<file_id>/<page_no>_<aspect>_<w>x<h>.jpg
//	logs/jobs/<job_id>.log.jsonl

// DataDir returns the daemon's private directory under a library root.
func DataDir(libraryRoot string) string {
	return filepath.Join(libraryRoot, ".slidemanager")
}

// PdfPath returns the cached PDF location for a file.
func PdfPath(libraryRoot string, fileID int64) string {
	return filepath.Join(DataDir(libraryRoot), "pdf", fmt.Sprintf("%d.pdf", fileID))
}

// ThumbPath returns the thumbnail location for a page at one geometry.
// Aspect colons are path-hostile, so "4:3" becomes "4x3" in file names.
func ThumbPath(libraryRoot string, fileID int64, pageNo int, aspect string, width, height int) string {
	safe := "unknown"
	switch aspect {
	case Aspect4x3:
		safe = "4x3"
	case Aspect16x9:
		safe = "16x9"
	}
	return filepath.Join(DataDir(libraryRoot), "thumbs", fmt.Sprintf("%d", fileID),
		fmt.Sprintf("%d_%s_%dx%d.jpg", pageNo, safe, width, height))
}
