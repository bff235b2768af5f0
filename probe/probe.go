package probe

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FileProbe is a FileIdentity plus the filesystem facts gathered at scan
// time. Probes are rebuilt on every run and never persisted directly; only
// their reference-document projection reaches the store.
type FileProbe struct {
	Identity FileIdentity

	Path     string
	Basename string
	Dirname  string
	Glob     string

	Filetype string
	Encoding string

	Size  int64
	Mtime int64 // unix nanoseconds; stored verbatim so equality survives round-trips
	UID   int
	GID   int
	Mode  uint32

	// Dirty/Synced always start pessimistic. Only a confirmed store write
	// flips them, via the journal.
	Dirty  bool
	Synced bool
}

// Probe stats path and resolves its identity. It returns nil, nil when the
// path does not exist or the filename matches neither grammar; neither case
// is an error, the file is simply not ours.
func Probe(path string) (*FileProbe, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	basename := filepath.Base(path)
	id, err := Resolve(basename)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}

	glob := path
	if id.Role == RoleData {
		glob = SeriesGlob(path)
	}

	filetype, encoding := guessType(path)

	p := &FileProbe{
		Identity: *id,
		Path:     path,
		Basename: basename,
		Dirname:  filepath.Dir(path),
		Glob:     glob,
		Filetype: filetype,
		Encoding: encoding,
		Size:     fi.Size(),
		Mtime:    fi.ModTime().UnixNano(),
		UID:      -1,
		GID:      -1,
		Mode:     uint32(fi.Mode()),
		Dirty:    true,
		Synced:   false,
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		p.UID = int(st.Uid)
		p.GID = int(st.Gid)
	}
	return p, nil
}

func init() {
	// Not in the platform tables on minimal systems; the grammar only
	// admits .csv so the lookup must not depend on /etc/mime.types.
	mime.AddExtensionType(".csv", "text/csv")
}

// guessType is an extension-based MIME lookup. Compressed extensions report
// the encoding separately, the way mimetypes modules conventionally do.
func guessType(path string) (filetype, encoding string) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".gz":
		return guessTypeInner(path, "gzip")
	case ".bz2":
		return guessTypeInner(path, "bzip2")
	case ".xz":
		return guessTypeInner(path, "xz")
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip any charset parameter; the store only wants the type.
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t, ""
	}
	return "", ""
}

func guessTypeInner(path, encoding string) (string, string) {
	inner := strings.TrimSuffix(path, filepath.Ext(path))
	t, _ := guessType(inner)
	return t, encoding
}
