package clone

import "path/filepath"

// Layout names every path of one clone operation directory.
type Layout struct {
	Root    string
	objects string
}

// NewLayout places operation id under dataDir. With shared set, the content
// store lives next to the operations instead of inside this one.
func NewLayout(dataDir, operationID string, shared bool) Layout {
	root := filepath.Join(dataDir, operationID)
	objects := filepath.Join(root, "objects", "sha256")
	if shared {
		objects = filepath.Join(dataDir, "objects", "sha256")
	}
	return Layout{Root: root, objects: objects}
}

func (l Layout) ObjectsDir() string     { return l.objects }
func (l Layout) EventsDir() string      { return filepath.Join(l.Root, "events") }
func (l Layout) CheckpointPath() string { return filepath.Join(l.Root, "checkpoint.json") }
func (l Layout) StatusPath() string     { return filepath.Join(l.Root, "status.json") }
func (l Layout) ManifestPath() string   { return filepath.Join(l.Root, "manifest.json") }
func (l Layout) LockPath() string       { return filepath.Join(l.Root, ".lock") }
