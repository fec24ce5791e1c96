// Package results writes archival lantern results to disk.
package results

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	"github.com/m-lab/lantern/data"
	"github.com/m-lab/lantern/logging"
)

// File is the file where we save results.
type File struct {
	// Writer is the writer for results.
	Writer io.Writer

	// Name is the path of the file.
	Name string

	// fp is the underlying writer file.
	fp *os.File

	// gzip is an optional writer for compressed results.
	gzip *gzip.Writer
}

// newFile opens a results file under datadir, in a directory named after
// the current day.
func newFile(datadir, uuid string, timestamp time.Time, compress bool) (*File, error) {
	dir := path.Join(datadir, "lantern", timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	name := dir + "/lantern-" + timestamp.Format("20060102T150405.000000000Z") + "." + uuid + ".json"
	if compress {
		name += ".gz"
	}
	// Nanosecond timestamps and the uuid make conflicts unlikely. If they
	// happen, O_EXCL will let us know.
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if !compress {
		return &File{
			Writer: fp,
			Name:   name,
			fp:     fp,
		}, nil
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &File{
		Writer: writer,
		Name:   name,
		fp:     fp,
		gzip:   writer,
	}, nil
}

// NewFile creates a file for saving results in datadir named after the
// uuid. Returns the results file on success. Returns an error in case of
// failure.
func NewFile(uuid string, datadir string, compress bool) (*File, error) {
	fp, err := newFile(datadir, uuid, time.Now().UTC(), compress)
	if err != nil {
		logging.Logger.WithError(err).Warn("newFile failed")
		return nil, err
	}
	return fp, nil
}

// Close closes the results file.
func (fp *File) Close() error {
	if fp.gzip != nil {
		err := fp.gzip.Close()
		if err != nil {
			fp.fp.Close()
			return err
		}
	}
	return fp.fp.Close()
}

// WriteResult serializes |result| as JSON.
func (fp *File) WriteResult(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fp.Writer.Write(data)
	return err
}

// Save writes r to a new results file in datadir and returns its path.
func Save(datadir string, r *data.LanternResult, compress bool) (string, error) {
	fp, err := newFile(datadir, r.UUID, r.StartTime, compress)
	if err != nil {
		logging.Logger.WithError(err).Warn("results: cannot create file")
		return "", err
	}
	if err := fp.WriteResult(r); err != nil {
		fp.Close()
		return "", err
	}
	return fp.Name, fp.Close()
}
