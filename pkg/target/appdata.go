package target

import (
	"os"
	"path"
	"time"

	"github.com/blacktop/companion/pkg/future"
)

// DataEntry is one reshaped directory entry from an application's data
// container.
type DataEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DataCommands is the application-data command family: plain file-service
// calls against a container, reshaped into structured entries. It carries
// no protocol or concurrency machinery of its own.
type DataCommands struct {
	target Target
}

// NewDataCommands builds the command family for a target.
func NewDataCommands(t Target) *DataCommands {
	return &DataCommands{target: t}
}

// List enumerates dir inside the application's data container, one stat
// per entry, aggregated in directory order.
func (d *DataCommands) List(bundleID, dir string) *future.Future[[]DataEntry] {
	client, err := d.target.AppContainer(bundleID)
	if err != nil {
		return future.Errored[[]DataEntry](err)
	}
	return future.Then(client.ListDirectory(dir), func(names []string) *future.Future[[]DataEntry] {
		kept := make([]string, 0, len(names))
		stats := make([]*future.Future[os.FileInfo], 0, len(names))
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			kept = append(kept, name)
			stats = append(stats, client.Stat(path.Join(dir, name)))
		}
		return future.Map(future.AwaitAll(stats...), func(infos []os.FileInfo) ([]DataEntry, error) {
			entries := make([]DataEntry, len(infos))
			for i, info := range infos {
				entries[i] = DataEntry{
					Name:    kept[i],
					Path:    path.Join(dir, kept[i]),
					IsDir:   info.IsDir(),
					Size:    info.Size(),
					ModTime: info.ModTime(),
				}
			}
			return entries, nil
		})
	})
}
