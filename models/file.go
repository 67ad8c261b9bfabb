package models

// FileEntry describes one file or directory in a transfer catalog.
type FileEntry struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	IsDirectory  bool   `json:"is_directory"`
}
